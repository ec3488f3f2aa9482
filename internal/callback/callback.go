// Package callback consumes worker-completion reports: it validates
// the declared per-table output format, records data facts on the
// planned table data versions and applies the terminal status
// transition.
package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tabflow-cloud/tabflow/internal/dispatch"
	"github.com/tabflow-cloud/tabflow/internal/event"
	"github.com/tabflow-cloud/tabflow/internal/metrics"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"github.com/tabflow-cloud/tabflow/internal/status"
	"github.com/tabflow-cloud/tabflow/pkg/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Output formats a worker may declare for a written table.
const (
	FormatNone        = "none"
	FormatData        = "data"
	FormatPartitioned = "partitioned"
)

// ErrInvalidFunctionOutputVersion rejects a report whose declared
// format is not understood. The triggering run keeps its prior status;
// the update is retried on the next valid callback.
type ErrInvalidFunctionOutputVersion struct {
	TableID uuid.UUID
	Format  string
}

func (e ErrInvalidFunctionOutputVersion) Error() string {
	return fmt.Sprintf("invalid function output version for table %v: %v", e.TableID, e.Format)
}

// TableReport is one written-table entry of a completion report.
type TableReport struct {
	TableID    uuid.UUID `json:"table_id"`
	Format     string    `json:"format"`
	Partitions []string  `json:"partitions,omitempty"`
}

// Report is the worker-completion payload.
type Report struct {
	RunID  uuid.UUID     `json:"run_id"`
	Status status.Status `json:"status"`
	Tables []TableReport `json:"tables,omitempty"`
}

// Handler applies completion reports against the store.
type Handler struct {
	db      *gorm.DB
	manager *status.Manager
	queue   dispatch.Queue
	bus     event.Bus
}

// NewHandler returns a Handler. The queue and bus may be nil.
func NewHandler(conn *gorm.DB, manager *status.Manager, queue dispatch.Queue, bus event.Bus) *Handler {
	if manager == nil {
		manager = status.NewManager(conn, bus)
	}
	return &Handler{db: conn, manager: manager, queue: queue, bus: bus}
}

// Handle validates and applies one report. Malformed table formats
// reject the whole report before anything is written; the data facts
// and the status transition commit atomically.
func (h *Handler) Handle(ctx context.Context, report *Report) error {
	for _, table := range report.Tables {
		switch table.Format {
		case FormatNone, FormatData, FormatPartitioned:
		default:
			metrics.CallbackRejectionsTotal.WithLabelValues("invalid_format").Inc()
			return ErrInvalidFunctionOutputVersion{TableID: table.TableID, Format: table.Format}
		}
	}

	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, table := range report.Tables {
			if err := h.applyTable(tx, report.RunID, table); err != nil {
				return err
			}
		}
		// The transition shares the transaction: a rejected status
		// change rolls the data facts back with it.
		return h.manager.WithDatabase(tx).Transition(ctx, report.RunID, report.Status)
	})
	if err != nil {
		return err
	}

	if h.queue != nil {
		// The run is terminal; drop its queue entry if the worker
		// supervisor has not already done so.
		if err := h.queue.Commit(ctx, report.RunID); err != nil && !errors.Is(err, dispatch.ErrMessageNonExisting) {
			return err
		}
	}

	log.Info("applied worker completion report",
		"run_id", report.RunID, "status", report.Status, "tables", len(report.Tables))

	h.publish(report)

	return nil
}

func (h *Handler) applyTable(tx *gorm.DB, runID uuid.UUID, report TableReport) error {
	dataVersion := &models.TableDataVersion{}
	err := tx.First(dataVersion, "function_run_id = ? AND table_id = ?", runID, report.TableID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidFunctionOutputVersion{TableID: report.TableID, Format: report.Format}
		}
		return err
	}

	hasData := report.Format != FormatNone
	updates := map[string]interface{}{
		"has_data":    hasData,
		"partitioned": report.Format == FormatPartitioned,
		"updated_at":  time.Now().UTC(),
	}

	if report.Format == FormatPartitioned {
		partitions, err := json.Marshal(report.Partitions)
		if err != nil {
			return err
		}
		updates["partitions"] = datatypes.JSON(partitions)
	}

	return tx.Model(&models.TableDataVersion{}).
		Where("id = ?", dataVersion.ID).
		Updates(updates).Error
}

func (h *Handler) publish(report *Report) {
	if h.bus == nil {
		return
	}

	for _, table := range report.Tables {
		h.bus.Publish(event.Event{
			Type:      event.TypeTableDataWritten,
			RunID:     report.RunID,
			TableID:   table.TableID,
			Timestamp: time.Now().UTC(),
		})
	}
}
