// Package registry manages collections, functions and tables. Every
// function registration creates a new immutable function version and
// re-points the produced tables at it through new table versions.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"github.com/tabflow-cloud/tabflow/internal/version"
	"github.com/tabflow-cloud/tabflow/pkg/db"
	"github.com/tabflow-cloud/tabflow/pkg/flowdef"
	"github.com/tabflow-cloud/tabflow/pkg/jsonmap"
	"github.com/tabflow-cloud/tabflow/pkg/log"
	"gorm.io/gorm"
)

type Registry interface {
	WithDatabase(*gorm.DB) Registry
	CreateCollection(*CreateCollectionRequest) (*models.Collection, error)
	GetCollection(uuid.UUID) (*models.Collection, error)
	RegisterFunction(*RegisterFunctionRequest) (*models.FunctionVersion, error)
	Apply(*flowdef.Definition) (models.FunctionVersions, error)
	GetFunctionVersion(uuid.UUID) (*models.FunctionVersion, error)
	ListFunctions(*ListRequest) (models.Functions, error)
	ListTables(*ListRequest) (models.Tables, error)
}

type registryService struct {
	ctx context.Context
	db  *gorm.DB
}

// Service returns a Registry bound to ctx and the shared connection.
func Service(ctx context.Context) Registry {
	return &registryService{ctx: ctx, db: db.Connection()}
}

func (r *registryService) WithDatabase(conn *gorm.DB) Registry {
	r.db = conn
	return r
}

type CreateCollectionRequest struct {
	Name        string
	Labels      map[string]string
	Annotations map[string]string
}

func (r *registryService) CreateCollection(req *CreateCollectionRequest) (*models.Collection, error) {
	if req.Name == "" {
		return nil, errors.New("collection name must not be empty")
	}

	now := time.Now().UTC()
	collection := &models.Collection{
		ID:          uuid.New(),
		Name:        req.Name,
		Labels:      jsonmap.FromStringMap(req.Labels),
		Annotations: jsonmap.FromStringMap(req.Annotations),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.db.WithContext(r.ctx).Create(collection).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to create collection %v", req.Name)
	}

	return collection, nil
}

func (r *registryService) GetCollection(id uuid.UUID) (*models.Collection, error) {
	collection := &models.Collection{}
	if err := r.db.WithContext(r.ctx).First(collection, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return collection, nil
}

// DependencyRequest declares one consumed table with its relative
// version reference.
type DependencyRequest struct {
	Table    string
	Ref      string
	Optional bool
}

type RegisterFunctionRequest struct {
	CollectionID uuid.UUID
	Name         string
	Tables       []string
	Dependencies []DependencyRequest
	TriggerBy    []string
}

// RegisterFunction creates a new immutable function version together
// with new versions of every produced table, its dependency records
// and its trigger records, in one store transaction. Dependency and
// trigger tables other than the function's own outputs must already be
// registered.
func (r *registryService) RegisterFunction(req *RegisterFunctionRequest) (*models.FunctionVersion, error) {
	if req.Name == "" {
		return nil, errors.New("function name must not be empty")
	}

	var fnVersion *models.FunctionVersion

	err := r.db.WithContext(r.ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		fn, err := r.ensureFunction(tx, req, now)
		if err != nil {
			return err
		}

		fnVersion = &models.FunctionVersion{
			ID:           uuid.New(),
			FunctionID:   fn.ID,
			CollectionID: req.CollectionID,
			Name:         req.Name,
			CreatedAt:    now,
		}
		if err := tx.Create(fnVersion).Error; err != nil {
			return errors.Wrapf(err, "failed to create function version for %v", req.Name)
		}

		outputs := make(map[string]uuid.UUID, len(req.Tables))
		for position, name := range req.Tables {
			table, err := r.ensureTable(tx, req.CollectionID, name, now)
			if err != nil {
				return err
			}
			outputs[name] = table.ID

			tableVersion := &models.TableVersion{
				ID:                uuid.New(),
				TableID:           table.ID,
				FunctionVersionID: fnVersion.ID,
				Name:              name,
				System:            table.System,
				Position:          position,
				CreatedAt:         now,
			}
			if err := tx.Create(tableVersion).Error; err != nil {
				return errors.Wrapf(err, "failed to create table version for %v", name)
			}
		}

		for position, dep := range req.Dependencies {
			if _, err := version.Parse(dep.Ref); err != nil {
				return errors.Wrapf(err, "invalid dependency reference for %v", dep.Table)
			}

			tableID, self, err := r.lookupTable(tx, req.CollectionID, dep.Table, outputs)
			if err != nil {
				return err
			}

			record := &models.FunctionDependency{
				ID:                uuid.New(),
				FunctionVersionID: fnVersion.ID,
				TableID:           tableID,
				TableRef:          dep.Ref,
				Position:          position,
				SelfDependency:    self,
				Optional:          dep.Optional,
				CreatedAt:         now,
			}
			if err := tx.Create(record).Error; err != nil {
				return errors.Wrapf(err, "failed to create dependency on %v", dep.Table)
			}
		}

		for _, name := range req.TriggerBy {
			tableID, self, err := r.lookupTable(tx, req.CollectionID, name, outputs)
			if err != nil {
				return err
			}
			if self {
				return fmt.Errorf("function %v cannot be triggered by its own output %v", req.Name, name)
			}

			record := &models.FunctionTrigger{
				ID:                uuid.New(),
				FunctionVersionID: fnVersion.ID,
				TableID:           tableID,
				CreatedAt:         now,
			}
			if err := tx.Create(record).Error; err != nil {
				return errors.Wrapf(err, "failed to create trigger on %v", name)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("registered function version",
		"function", req.Name,
		"version_id", fnVersion.ID,
		"tables", len(req.Tables),
		"dependencies", len(req.Dependencies))

	return fnVersion, nil
}

func (r *registryService) ensureFunction(tx *gorm.DB, req *RegisterFunctionRequest, now time.Time) (*models.Function, error) {
	fn := &models.Function{}
	err := tx.First(fn, "collection_id = ? AND name = ?", req.CollectionID, req.Name).Error

	switch {
	case err == nil:
		return fn, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		fn = &models.Function{
			ID:           uuid.New(),
			CollectionID: req.CollectionID,
			Name:         req.Name,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Create(fn).Error; err != nil {
			return nil, errors.Wrapf(err, "failed to create function %v", req.Name)
		}
		return fn, nil
	default:
		return nil, err
	}
}

func (r *registryService) ensureTable(tx *gorm.DB, collectionID uuid.UUID, name string, now time.Time) (*models.Table, error) {
	table := &models.Table{}
	err := tx.First(table, "collection_id = ? AND name = ?", collectionID, name).Error

	switch {
	case err == nil:
		table.UpdatedAt = now
		if err := tx.Save(table).Error; err != nil {
			return nil, err
		}
		return table, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		table = &models.Table{
			ID:           uuid.New(),
			CollectionID: collectionID,
			Name:         name,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Create(table).Error; err != nil {
			return nil, errors.Wrapf(err, "failed to create table %v", name)
		}
		return table, nil
	default:
		return nil, err
	}
}

// lookupTable resolves a table name to its id and reports whether it
// is one of the registering function's own outputs.
func (r *registryService) lookupTable(tx *gorm.DB, collectionID uuid.UUID, name string, outputs map[string]uuid.UUID) (uuid.UUID, bool, error) {
	if id, ok := outputs[name]; ok {
		return id, true, nil
	}

	table := &models.Table{}
	if err := tx.First(table, "collection_id = ? AND name = ?", collectionID, name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, false, fmt.Errorf("unknown table: %v", name)
		}
		return uuid.Nil, false, err
	}

	return table.ID, false, nil
}

func (r *registryService) GetFunctionVersion(id uuid.UUID) (*models.FunctionVersion, error) {
	fnVersion := &models.FunctionVersion{}
	if err := r.db.WithContext(r.ctx).First(fnVersion, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return fnVersion, nil
}

type ListRequest struct {
	CollectionID uuid.UUID
	Limit        uint64
	OrderBy      []string
}

func (r *registryService) ListFunctions(req *ListRequest) (models.Functions, error) {
	var (
		functions = make(models.Functions, 0)
		q         = r.db.WithContext(r.ctx)
	)

	if req.CollectionID != uuid.Nil {
		q = q.Where("collection_id = ?", req.CollectionID)
	}

	for _, orderBy := range req.OrderBy {
		q = q.Order(orderBy)
	}

	if req.Limit > 0 {
		q = q.Limit(int(req.Limit))
	}

	if err := q.Find(&functions).Error; err != nil {
		return nil, err
	}

	return functions, nil
}

func (r *registryService) ListTables(req *ListRequest) (models.Tables, error) {
	var (
		tables = make(models.Tables, 0)
		q      = r.db.WithContext(r.ctx)
	)

	if req.CollectionID != uuid.Nil {
		q = q.Where("collection_id = ?", req.CollectionID)
	}

	for _, orderBy := range req.OrderBy {
		q = q.Order(orderBy)
	}

	if req.Limit > 0 {
		q = q.Limit(int(req.Limit))
	}

	if err := q.Find(&tables).Error; err != nil {
		return nil, err
	}

	return tables, nil
}
