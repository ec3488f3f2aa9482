// Package planner turns a manual trigger into a persisted execution
// plan: it computes the trigger closure on the template graph, resolves
// every relative version reference, groups the runs into transactions
// and materializes the plan entities in dependency order.
package planner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tabflow-cloud/tabflow/internal/event"
	"github.com/tabflow-cloud/tabflow/internal/graph"
	"github.com/tabflow-cloud/tabflow/internal/metrics"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"github.com/tabflow-cloud/tabflow/internal/status"
	"github.com/tabflow-cloud/tabflow/internal/txn"
	"github.com/tabflow-cloud/tabflow/internal/version"
	"github.com/tabflow-cloud/tabflow/pkg/log"
	"gorm.io/gorm"
)

// Builder materializes execution plans.
type Builder struct {
	db       *gorm.DB
	resolver version.Resolver
	policy   txn.Policy
	bus      event.Bus
}

// NewBuilder returns a Builder. A nil resolver resolves against the
// plan's own store transaction, so references relative to HEAD see the
// placeholder data versions the plan creates. The bus may be nil.
func NewBuilder(conn *gorm.DB, resolver version.Resolver, policy txn.Policy, bus event.Bus) *Builder {
	return &Builder{db: conn, resolver: resolver, policy: policy, bus: bus}
}

// TriggerRequest describes one accepted manual trigger.
type TriggerRequest struct {
	FunctionVersionID uuid.UUID
	Name              string
	TriggeredBy       string
}

// Plan is the materialized result of one trigger.
type Plan struct {
	Execution    *models.Execution
	Transactions models.Transactions
	Runs         models.FunctionRuns
	DataVersions models.TableDataVersions
	Requirements models.FunctionRequirements
}

// Build computes and persists the plan for a manual trigger in one
// store transaction. The placeholder data versions are written before
// version resolution runs: a relative reference resolves against a
// history that already contains the versions this execution is about
// to produce, which is what makes the self-dependency shift land on
// the previous concrete version. Planning errors roll the whole
// transaction back; nothing is persisted on failure.
func (b *Builder) Build(ctx context.Context, req *TriggerRequest) (*Plan, error) {
	template, err := Template(ctx, b.db, req.FunctionVersionID)
	if err != nil {
		return nil, err
	}

	keyer, err := txn.Keyer(b.policy)
	if err != nil {
		return nil, err
	}

	triggeredOn := time.Now().UTC()
	plan, runByFn, dataVersionByTable := b.assemble(req, template, keyer, triggeredOn)

	err = b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := persist(tx, plan); err != nil {
			return err
		}

		resolved, err := b.resolve(ctx, tx, template, triggeredOn)
		if err != nil {
			return err
		}

		requirements, err := requirements(tx, template, resolved, runByFn, dataVersionByTable, triggeredOn)
		if err != nil {
			return err
		}
		plan.Requirements = requirements

		if len(requirements) > 0 {
			if err := tx.Create(requirements).Error; err != nil {
				return errors.Wrap(err, "failed to create function requirements")
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	trigger := template.Node(template.ManualTrigger()).Function
	metrics.ExecutionsPlannedTotal.WithLabelValues(trigger.Name).Inc()
	for _, run := range plan.Runs {
		metrics.FunctionRunsPlannedTotal.WithLabelValues(run.Trigger).Inc()
	}

	log.Info("materialized execution plan",
		"execution_id", plan.Execution.ID,
		"transactions", len(plan.Transactions),
		"runs", len(plan.Runs),
		"data_versions", len(plan.DataVersions))

	b.publish(plan)

	return plan, nil
}

// resolve replaces every relative spec on the template with concrete
// data version ids. One resolver call per distinct (table, spec, self)
// within the pass; distinct edges sharing a reference reuse the result.
func (b *Builder) resolve(
	ctx context.Context,
	tx *gorm.DB,
	template *graph.ExecutionGraph[version.Spec],
	asOf time.Time,
) (*graph.ExecutionGraph[version.Resolved], error) {
	resolver := b.resolver
	if resolver == nil {
		resolver = version.NewResolver(tx)
	}

	cache := make(map[string]version.Resolved)

	return graph.Versioned(ctx, template,
		func(ctx context.Context, table graph.TableNode, spec version.Spec, self bool) (version.Resolved, error) {
			key := table.TableID.String() + "|" + spec.String()
			if self {
				key += "|self"
			}
			if hit, ok := cache[key]; ok {
				return hit, nil
			}

			out, err := resolver.Resolve(ctx, table.TableID, spec, asOf, self)
			if err != nil {
				return version.Resolved{}, err
			}
			cache[key] = out
			return out, nil
		})
}

// assemble builds every plan entity that only depends on the template
// topology: the execution, its transactions, the runs and the
// placeholder data versions. Requirements need resolution and are
// filled in later.
func (b *Builder) assemble(
	req *TriggerRequest,
	template *graph.ExecutionGraph[version.Spec],
	keyer txn.KeyFunc,
	triggeredOn time.Time,
) (*Plan, map[graph.NodeIndex]*models.FunctionRun, map[graph.NodeIndex]*models.TableDataVersion) {
	execution := &models.Execution{
		ID:                uuid.New(),
		Name:              req.Name,
		FunctionVersionID: req.FunctionVersionID,
		TriggeredBy:       req.TriggeredBy,
		TriggeredOn:       triggeredOn,
		CreatedAt:         triggeredOn,
	}

	manual := template.ManualTrigger()
	members := append([]graph.NodeIndex{manual}, template.TriggeredFunctions()...)

	txnMap := txn.NewMap()
	txnByFn := make(map[graph.NodeIndex]uuid.UUID, len(members))
	runs := make(models.FunctionRuns, 0, len(members))
	runByFn := make(map[graph.NodeIndex]*models.FunctionRun, len(members))

	for _, fnIdx := range members {
		fn := template.Node(fnIdx).Function
		txnID := txnMap.Assign(keyer(execution.ID, fn))
		txnByFn[fnIdx] = txnID

		kind := models.TriggerDependency
		if fnIdx == manual {
			kind = models.TriggerManual
		}

		run := &models.FunctionRun{
			ID:                uuid.New(),
			FunctionVersionID: fn.FunctionVersionID,
			ExecutionID:       execution.ID,
			TransactionID:     txnID,
			Trigger:           string(kind),
			Status:            string(status.Scheduled),
			ScheduledOn:       triggeredOn,
			CreatedAt:         triggeredOn,
			UpdatedAt:         triggeredOn,
		}
		runs = append(runs, run)
		runByFn[fnIdx] = run
	}

	transactions := make(models.Transactions, 0, len(txnMap.Keys()))
	for _, key := range txnMap.Keys() {
		id, _ := txnMap.Lookup(key)
		transactions = append(transactions, &models.Transaction{
			ID:          id,
			ExecutionID: execution.ID,
			Key:         key,
			Policy:      string(b.policy),
			CreatedAt:   triggeredOn,
		})
	}

	dataVersions := make(models.TableDataVersions, 0)
	dataVersionByTable := make(map[graph.NodeIndex]*models.TableDataVersion)
	for _, output := range template.OutputTables() {
		table := template.Node(output.Table).Table
		run := runByFn[output.Function]

		dataVersion := &models.TableDataVersion{
			ID:             uuid.New(),
			TableID:        table.TableID,
			TableVersionID: table.TableVersionID,
			FunctionRunID:  run.ID,
			ExecutionID:    execution.ID,
			TransactionID:  txnByFn[output.Function],
			CreatedAt:      triggeredOn,
			UpdatedAt:      triggeredOn,
		}
		dataVersions = append(dataVersions, dataVersion)
		dataVersionByTable[output.Table] = dataVersion
	}

	plan := &Plan{
		Execution:    execution,
		Transactions: transactions,
		Runs:         runs,
		DataVersions: dataVersions,
	}

	return plan, runByFn, dataVersionByTable
}

// requirements binds every dependency edge to concrete data versions.
// A HEAD dependency on a table produced within this plan binds to the
// placeholder created for it, since the version the consumer needs is
// the one this execution is about to produce. Everything else binds to
// the resolved historical versions; absent resolutions are recorded as
// unsatisfied rows that never block dispatch.
func requirements(
	tx *gorm.DB,
	template *graph.ExecutionGraph[version.Spec],
	resolved *graph.ExecutionGraph[version.Resolved],
	runByFn map[graph.NodeIndex]*models.FunctionRun,
	dataVersionByTable map[graph.NodeIndex]*models.TableDataVersion,
	triggeredOn time.Time,
) (models.FunctionRequirements, error) {
	// Both graphs share topology, so requirement lists line up
	// index-for-index.
	specs := template.FunctionVersionRequirements()
	edges := resolved.FunctionVersionRequirements()

	out := make(models.FunctionRequirements, 0, len(edges))

	for i, req := range edges {
		run := runByFn[req.Function]
		table := resolved.Node(req.Table).Table
		spec := specs[i].Edge

		inPlan, planBound := dataVersionByTable[req.Table]
		if planBound && spec.Version.Kind == version.KindHead && !spec.SelfDependency {
			out = append(out, &models.FunctionRequirement{
				ID:                    uuid.New(),
				FunctionRunID:         run.ID,
				TableID:               table.TableID,
				Position:              req.Edge.Position,
				VersionPos:            0,
				RequiredFunctionRunID: &inPlan.FunctionRunID,
				TableDataVersionID:    &inPlan.ID,
				Optional:              req.Edge.Optional,
				CreatedAt:             triggeredOn,
			})
			continue
		}

		if req.Edge.Version.Absent() {
			out = append(out, &models.FunctionRequirement{
				ID:            uuid.New(),
				FunctionRunID: run.ID,
				TableID:       table.TableID,
				Position:      req.Edge.Position,
				VersionPos:    0,
				Optional:      req.Edge.Optional,
				CreatedAt:     triggeredOn,
			})
			continue
		}

		for pos, dataVersionID := range req.Edge.Version.IDs {
			producerRunID, err := producerRun(tx, dataVersionID)
			if err != nil {
				return nil, err
			}

			id := dataVersionID
			out = append(out, &models.FunctionRequirement{
				ID:                    uuid.New(),
				FunctionRunID:         run.ID,
				TableID:               table.TableID,
				Position:              req.Edge.Position,
				VersionPos:            pos,
				RequiredFunctionRunID: producerRunID,
				TableDataVersionID:    &id,
				Optional:              req.Edge.Optional,
				CreatedAt:             triggeredOn,
			})
		}
	}

	return out, nil
}

func producerRun(tx *gorm.DB, dataVersionID uuid.UUID) (*uuid.UUID, error) {
	dataVersion := &models.TableDataVersion{}
	if err := tx.First(dataVersion, "id = ?", dataVersionID).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load table data version %v", dataVersionID)
	}
	runID := dataVersion.FunctionRunID
	return &runID, nil
}

// persist writes the plan entities that precede resolution, in
// dependency order so foreign references are always valid at write
// time.
func persist(tx *gorm.DB, plan *Plan) error {
	if err := tx.Create(plan.Execution).Error; err != nil {
		return errors.Wrap(err, "failed to create execution")
	}
	if len(plan.Transactions) > 0 {
		if err := tx.Create(plan.Transactions).Error; err != nil {
			return errors.Wrap(err, "failed to create transactions")
		}
	}
	if len(plan.Runs) > 0 {
		if err := tx.Create(plan.Runs).Error; err != nil {
			return errors.Wrap(err, "failed to create function runs")
		}
	}
	if len(plan.DataVersions) > 0 {
		if err := tx.Create(plan.DataVersions).Error; err != nil {
			return errors.Wrap(err, "failed to create table data versions")
		}
	}
	return nil
}

func (b *Builder) publish(plan *Plan) {
	if b.bus == nil {
		return
	}

	payload, _ := json.Marshal(map[string]int{
		"transactions": len(plan.Transactions),
		"runs":         len(plan.Runs),
	})

	b.bus.Publish(event.Event{
		Type:        event.TypeExecutionPlanned,
		ExecutionID: plan.Execution.ID,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	})
}
