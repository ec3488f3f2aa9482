package planner

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tabflow-cloud/tabflow/internal/graph"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"github.com/tabflow-cloud/tabflow/internal/version"
	"gorm.io/gorm"
)

// ErrNotTriggerable reports a manual trigger onto a function version
// that is not registered or has been superseded.
type ErrNotTriggerable struct {
	FunctionVersionID uuid.UUID
}

func (e ErrNotTriggerable) Error() string {
	return fmt.Sprintf("function version is not triggerable: %v", e.FunctionVersionID)
}

// Template expands the registered topology into the template execution
// graph for one manual trigger: the trigger function, every function
// transitively started through its output tables, and every table those
// functions produce or consume. Edges carry the relative version specs
// recorded at registration time.
func Template(ctx context.Context, conn *gorm.DB, triggerID uuid.UUID) (*graph.ExecutionGraph[version.Spec], error) {
	tx := conn.WithContext(ctx)

	trigger := &models.FunctionVersion{}
	if err := tx.First(trigger, "id = ?", triggerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotTriggerable{FunctionVersionID: triggerID}
		}
		return nil, err
	}

	latest, err := latestFunctionVersion(tx, trigger.FunctionID)
	if err != nil {
		return nil, err
	}
	if latest.ID != trigger.ID {
		return nil, ErrNotTriggerable{FunctionVersionID: triggerID}
	}

	b := &templateBuilder{
		tx:        tx,
		graph:     graph.New[version.Spec](),
		functions: make(map[uuid.UUID]graph.NodeIndex),
		tables:    make(map[uuid.UUID]graph.NodeIndex),
	}

	root, err := b.addFunction(trigger)
	if err != nil {
		return nil, err
	}
	if err := b.graph.SetManualTrigger(root); err != nil {
		return nil, err
	}

	queue := []*models.FunctionVersion{trigger}
	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]

		next, err := b.expand(fn)
		if err != nil {
			return nil, err
		}
		queue = append(queue, next...)
	}

	return b.graph, nil
}

type templateBuilder struct {
	tx        *gorm.DB
	graph     *graph.ExecutionGraph[version.Spec]
	functions map[uuid.UUID]graph.NodeIndex
	tables    map[uuid.UUID]graph.NodeIndex
}

// expand wires one function version's outputs, triggers and
// dependencies into the graph and returns newly discovered triggered
// function versions.
func (b *templateBuilder) expand(fn *models.FunctionVersion) ([]*models.FunctionVersion, error) {
	fnIdx := b.functions[fn.ID]

	var outputs models.TableVersions
	if err := b.tx.
		Where("function_version_id = ?", fn.ID).
		Order("position ASC").
		Find(&outputs).Error; err != nil {
		return nil, err
	}

	discovered := make([]*models.FunctionVersion, 0)

	for _, output := range outputs {
		tableIdx := b.addTable(output)

		if err := b.graph.AddEdge(graph.Edge[version.Spec]{
			Kind:     graph.EdgeOutput,
			From:     fnIdx,
			To:       tableIdx,
			Version:  version.Head(),
			Position: output.Position,
		}); err != nil {
			return nil, err
		}

		triggered, err := b.triggeredBy(output.TableID)
		if err != nil {
			return nil, err
		}

		for _, next := range triggered {
			nextIdx, known := b.functions[next.ID]
			if !known {
				var err error
				if nextIdx, err = b.addFunction(next); err != nil {
					return nil, err
				}
				discovered = append(discovered, next)
			}

			if err := b.graph.AddEdge(graph.Edge[version.Spec]{
				Kind:    graph.EdgeTrigger,
				From:    tableIdx,
				To:      nextIdx,
				Version: version.Head(),
			}); err != nil {
				return nil, err
			}
		}
	}

	if err := b.dependencies(fn, fnIdx); err != nil {
		return nil, err
	}

	return discovered, nil
}

func (b *templateBuilder) dependencies(fn *models.FunctionVersion, fnIdx graph.NodeIndex) error {
	var deps models.FunctionDependencies
	if err := b.tx.
		Where("function_version_id = ?", fn.ID).
		Order("position ASC").
		Find(&deps).Error; err != nil {
		return err
	}

	for _, dep := range deps {
		spec, err := version.Parse(dep.TableRef)
		if err != nil {
			return errors.Wrapf(err, "stored dependency reference is invalid for table %v", dep.TableID)
		}

		tableIdx, ok := b.tables[dep.TableID]
		if !ok {
			tableVersion, err := latestTableVersion(b.tx, dep.TableID)
			if err != nil {
				return err
			}
			tableIdx = b.addTable(tableVersion)
		}

		if err := b.graph.AddEdge(graph.Edge[version.Spec]{
			Kind:           graph.EdgeDependency,
			From:           tableIdx,
			To:             fnIdx,
			Version:        spec,
			Position:       dep.Position,
			SelfDependency: dep.SelfDependency,
			Optional:       dep.Optional,
		}); err != nil {
			return err
		}
	}

	return nil
}

// triggeredBy returns the current function versions triggered by new
// data on a table. Superseded versions are skipped: a trigger always
// starts the latest registration of its function.
func (b *templateBuilder) triggeredBy(tableID uuid.UUID) (models.FunctionVersions, error) {
	var triggers models.FunctionTriggers
	if err := b.tx.Where("table_id = ?", tableID).Find(&triggers).Error; err != nil {
		return nil, err
	}

	out := make(models.FunctionVersions, 0, len(triggers))
	for _, trigger := range triggers {
		fnVersion := &models.FunctionVersion{}
		if err := b.tx.First(fnVersion, "id = ?", trigger.FunctionVersionID).Error; err != nil {
			return nil, err
		}

		latest, err := latestFunctionVersion(b.tx, fnVersion.FunctionID)
		if err != nil {
			return nil, err
		}
		if latest.ID != fnVersion.ID {
			continue
		}

		out = append(out, fnVersion)
	}

	return out, nil
}

func (b *templateBuilder) addFunction(fn *models.FunctionVersion) (graph.NodeIndex, error) {
	idx := b.graph.AddFunction(graph.FunctionNode{
		CollectionID:      fn.CollectionID,
		FunctionVersionID: fn.ID,
		Name:              fn.Name,
	})
	b.functions[fn.ID] = idx
	return idx, nil
}

func (b *templateBuilder) addTable(tableVersion *models.TableVersion) graph.NodeIndex {
	if idx, ok := b.tables[tableVersion.TableID]; ok {
		return idx
	}

	idx := b.graph.AddTable(graph.TableNode{
		TableID:           tableVersion.TableID,
		TableVersionID:    tableVersion.ID,
		FunctionVersionID: tableVersion.FunctionVersionID,
		Name:              tableVersion.Name,
		System:            tableVersion.System,
	})
	b.tables[tableVersion.TableID] = idx
	return idx
}

func latestFunctionVersion(tx *gorm.DB, functionID uuid.UUID) (*models.FunctionVersion, error) {
	fnVersion := &models.FunctionVersion{}
	err := tx.
		Where("function_id = ?", functionID).
		Order("created_at DESC, id DESC").
		First(fnVersion).Error
	if err != nil {
		return nil, err
	}
	return fnVersion, nil
}

func latestTableVersion(tx *gorm.DB, tableID uuid.UUID) (*models.TableVersion, error) {
	tableVersion := &models.TableVersion{}
	err := tx.
		Where("table_id = ?", tableID).
		Order("created_at DESC, id DESC").
		First(tableVersion).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("table has no registered version: %v", tableID)
		}
		return nil, err
	}
	return tableVersion, nil
}
