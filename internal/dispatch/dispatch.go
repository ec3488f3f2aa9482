// Package dispatch turns ready function runs into queued worker
// requests with at-most-once delivery, and reconciles queue state with
// run status after a restart.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tabflow-cloud/tabflow/internal/event"
	"github.com/tabflow-cloud/tabflow/internal/metrics"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"github.com/tabflow-cloud/tabflow/internal/status"
	"github.com/tabflow-cloud/tabflow/pkg/log"
	"gorm.io/gorm"
)

const defaultBatchSize = 64

// InputVersion names one concrete table data version a worker must
// read, in dependency-position order.
type InputVersion struct {
	TableID            uuid.UUID `json:"table_id"`
	TableDataVersionID uuid.UUID `json:"table_data_version_id"`
	Position           int       `json:"position"`
	VersionPos         int       `json:"version_pos"`
}

// WorkRequest is the payload submitted to the worker queue.
type WorkRequest struct {
	RunID             uuid.UUID      `json:"run_id"`
	FunctionVersionID uuid.UUID      `json:"function_version_id"`
	Function          string         `json:"function"`
	ExecutionID       uuid.UUID      `json:"execution_id"`
	TransactionID     uuid.UUID      `json:"transaction_id"`
	Input             []InputVersion `json:"input"`
	Callback          string         `json:"callback"`
}

// Dispatcher polls for runnable work and enqueues it.
type Dispatcher struct {
	db        *gorm.DB
	queue     Queue
	manager   *status.Manager
	bus       event.Bus
	callback  string
	batchSize int
}

// NewDispatcher returns a Dispatcher. The bus may be nil.
func NewDispatcher(conn *gorm.DB, queue Queue, manager *status.Manager, bus event.Bus, callback string, batchSize int) *Dispatcher {
	if queue == nil {
		panic("dispatcher requires a worker queue")
	}
	if manager == nil {
		manager = status.NewManager(conn, bus)
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	return &Dispatcher{
		db:        conn,
		queue:     queue,
		manager:   manager,
		bus:       bus,
		callback:  callback,
		batchSize: batchSize,
	}
}

// Poll returns runs in Scheduled/ReScheduled whose requirement set is
// fully satisfied: every required table data version carries data, or
// the requirement is optional. A version the worker reported without
// data blocks its dependents the same as an unreported one, until a
// rerun of the producer reports data on it. No ready work is an empty
// result, not an error.
func (d *Dispatcher) Poll(ctx context.Context) (models.FunctionRuns, error) {
	runs := make(models.FunctionRuns, 0)

	err := d.db.WithContext(ctx).
		Where("status IN ?", []string{string(status.Scheduled), string(status.ReScheduled)}).
		Where(`NOT EXISTS (
			SELECT 1 FROM function_requirements r
			JOIN table_data_versions tdv ON tdv.id = r.table_data_version_id
			WHERE r.function_run_id = function_runs.id
			AND r.optional = ?
			AND (tdv.has_data IS NULL OR tdv.has_data = ?)
		)`, false, false).
		Order("scheduled_on ASC, id ASC").
		Limit(d.batchSize).
		Find(&runs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to poll ready runs")
	}

	metrics.ReadyRunsGauge.Set(float64(len(runs)))

	return runs, nil
}

// Create builds the work request for a ready run and submits it to the
// worker queue keyed by the run id. A duplicate id fails with
// ErrMessageAlreadyExisting and the run keeps its status; on success
// the run transitions to RunRequested.
func (d *Dispatcher) Create(ctx context.Context, run *models.FunctionRun) error {
	payload, err := d.payload(ctx, run)
	if err != nil {
		return err
	}

	if err := d.queue.Put(ctx, run.ID, payload); err != nil {
		if errors.Is(err, ErrMessageAlreadyExisting) {
			metrics.DispatchesTotal.WithLabelValues("duplicate").Inc()
		}
		return err
	}

	if err := d.manager.Transition(ctx, run.ID, status.RunRequested); err != nil {
		// Undo the enqueue so the run is retried on the next poll.
		if rollbackErr := d.queue.Rollback(ctx, run.ID); rollbackErr != nil {
			log.Error("failed to roll back work request",
				"run_id", run.ID, "error", rollbackErr)
		}
		return err
	}

	metrics.DispatchesTotal.WithLabelValues("enqueued").Inc()
	d.publish(run)

	return nil
}

// List returns the in-flight queue entries, used to re-derive
// in-progress work after a restart.
func (d *Dispatcher) List(ctx context.Context) ([]Message, error) {
	return d.queue.LockedMessages(ctx)
}

// Commit acknowledges that a worker took ownership of a message.
func (d *Dispatcher) Commit(ctx context.Context, id uuid.UUID) error {
	return d.queue.Commit(ctx, id)
}

// Rollback returns a message to the caller; the run must be
// rescheduled separately.
func (d *Dispatcher) Rollback(ctx context.Context, id uuid.UUID) error {
	return d.queue.Rollback(ctx, id)
}

// Cycle runs one poll-and-dispatch pass. Duplicate enqueues are
// skipped; the affected run is picked up again once its queue entry
// clears.
func (d *Dispatcher) Cycle(ctx context.Context) error {
	started := time.Now()
	defer func() {
		metrics.DispatchCycleDurationSeconds.Observe(time.Since(started).Seconds())
	}()

	runs, err := d.Poll(ctx)
	if err != nil {
		return err
	}

	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch err := d.Create(ctx, run); {
		case err == nil:
		case errors.Is(err, ErrMessageAlreadyExisting):
			log.Debug("run already enqueued", "run_id", run.ID)
		case errors.Is(err, ErrQueueFull):
			log.Warn("worker queue full, deferring dispatch", "run_id", run.ID)
			return nil
		default:
			return err
		}
	}

	return nil
}

// Recover reconciles queue state with run status on startup: runs left
// in RunRequested without a locked message lost their request in a
// crash and go back to ReScheduled; locked messages whose run has
// meanwhile reached a terminal status are dropped.
func (d *Dispatcher) Recover(ctx context.Context) error {
	locked, err := d.queue.LockedMessages(ctx)
	if err != nil {
		return err
	}

	inFlight := make(map[uuid.UUID]struct{}, len(locked))
	for _, message := range locked {
		inFlight[message.ID] = struct{}{}

		run := &models.FunctionRun{}
		if err := d.db.WithContext(ctx).First(run, "id = ?", message.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return err
		}

		if status.Status(run.Status).Terminal() {
			if err := d.queue.Rollback(ctx, message.ID); err != nil && !errors.Is(err, ErrMessageNonExisting) {
				return err
			}
			log.Info("dropped stale work request for terminal run", "run_id", run.ID)
		}
	}

	var orphaned models.FunctionRuns
	if err := d.db.WithContext(ctx).
		Where("status = ?", string(status.RunRequested)).
		Find(&orphaned).Error; err != nil {
		return err
	}

	for _, run := range orphaned {
		if _, ok := inFlight[run.ID]; ok {
			continue
		}
		if err := d.manager.Transition(ctx, run.ID, status.ReScheduled); err != nil {
			return err
		}
		log.Info("rescheduled orphaned run", "run_id", run.ID)
	}

	return nil
}

func (d *Dispatcher) payload(ctx context.Context, run *models.FunctionRun) ([]byte, error) {
	fnVersion := &models.FunctionVersion{}
	if err := d.db.WithContext(ctx).First(fnVersion, "id = ?", run.FunctionVersionID).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load function version %v", run.FunctionVersionID)
	}

	var requirements models.FunctionRequirements
	if err := d.db.WithContext(ctx).
		Where("function_run_id = ?", run.ID).
		Order("position ASC, version_pos ASC").
		Find(&requirements).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load requirements for run %v", run.ID)
	}

	input := make([]InputVersion, 0, len(requirements))
	for _, requirement := range requirements {
		if requirement.TableDataVersionID == nil {
			continue
		}
		input = append(input, InputVersion{
			TableID:            requirement.TableID,
			TableDataVersionID: *requirement.TableDataVersionID,
			Position:           requirement.Position,
			VersionPos:         requirement.VersionPos,
		})
	}

	request := &WorkRequest{
		RunID:             run.ID,
		FunctionVersionID: run.FunctionVersionID,
		Function:          fnVersion.Name,
		ExecutionID:       run.ExecutionID,
		TransactionID:     run.TransactionID,
		Input:             input,
		Callback:          d.callback,
	}

	return json.Marshal(request)
}

func (d *Dispatcher) publish(run *models.FunctionRun) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(event.Event{
		Type:        event.TypeRunDispatched,
		ExecutionID: run.ExecutionID,
		RunID:       run.ID,
		Timestamp:   time.Now().UTC(),
	})
}
