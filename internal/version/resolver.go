package version

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"gorm.io/gorm"
)

// ErrTableNotFound reports a reference onto a table the registry does
// not know about.
type ErrTableNotFound struct {
	TableID uuid.UUID
}

func (e ErrTableNotFound) Error() string {
	return fmt.Sprintf("table not found: %v", e.TableID)
}

// ErrVersionOutOfRange reports a fixed reference onto a data version
// that does not exist for the table.
type ErrVersionOutOfRange struct {
	TableID uuid.UUID
	Ref     string
}

func (e ErrVersionOutOfRange) Error() string {
	return fmt.Sprintf("version out of range for table %v: %v", e.TableID, e.Ref)
}

// Resolver turns a relative spec into concrete table data version ids
// as of a point in time. The self flag marks a function depending on
// its own output; HEAD then shifts back by one, because the version
// being planned has not been produced yet.
type Resolver interface {
	Resolve(ctx context.Context, tableID uuid.UUID, spec Spec, asOf time.Time, self bool) (Resolved, error)
}

type storeResolver struct {
	db *gorm.DB
}

// NewResolver returns a Resolver backed by the persistent store.
func NewResolver(conn *gorm.DB) Resolver {
	return &storeResolver{db: conn}
}

func (r *storeResolver) Resolve(ctx context.Context, tableID uuid.UUID, spec Spec, asOf time.Time, self bool) (Resolved, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Table{}).
		Where("id = ?", tableID).
		Count(&count).Error; err != nil {
		return Resolved{}, err
	}
	if count == 0 {
		return Resolved{}, ErrTableNotFound{TableID: tableID}
	}

	if spec.Kind == KindFixed {
		return r.resolveFixed(ctx, tableID, spec)
	}

	offset := spec.Offset()
	if self {
		// Self-dependency correction: the in-progress version must
		// never resolve as its own input.
		offset++
	}

	var rows models.TableDataVersions
	err := r.db.WithContext(ctx).
		Where("table_id = ? AND created_at <= ?", tableID, asOf).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return Resolved{}, err
	}

	if len(rows) == 0 {
		// The reference points behind recorded history. Absent is a
		// valid resolution, not an error: first runs consume empty
		// inputs.
		return Resolved{}, nil
	}

	return Resolved{IDs: []uuid.UUID{rows[0].ID}}, nil
}

func (r *storeResolver) resolveFixed(ctx context.Context, tableID uuid.UUID, spec Spec) (Resolved, error) {
	var rows models.TableDataVersions
	err := r.db.WithContext(ctx).
		Where("table_id = ? AND id IN ?", tableID, spec.Fixed).
		Find(&rows).Error
	if err != nil {
		return Resolved{}, err
	}

	if len(rows) != len(spec.Fixed) {
		return Resolved{}, ErrVersionOutOfRange{TableID: tableID, Ref: spec.String()}
	}

	// Preserve the order the reference listed.
	byID := make(map[uuid.UUID]struct{}, len(rows))
	for _, row := range rows {
		byID[row.ID] = struct{}{}
	}

	ids := make([]uuid.UUID, 0, len(spec.Fixed))
	for _, id := range spec.Fixed {
		if _, ok := byID[id]; ok {
			ids = append(ids, id)
		}
	}

	return Resolved{IDs: ids}, nil
}
