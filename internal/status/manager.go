package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tabflow-cloud/tabflow/internal/event"
	"github.com/tabflow-cloud/tabflow/internal/metrics"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"github.com/tabflow-cloud/tabflow/pkg/log"
	"gorm.io/gorm"
)

// downstreamQuery returns every run whose requirement chain passes
// through the given run, directly or transitively. The store is the
// durable source of truth here: by cascade time the in-memory graph
// may have been superseded by newer plans.
const downstreamQuery = `
WITH RECURSIVE downstream(id) AS (
	SELECT function_run_id FROM function_requirements
	WHERE required_function_run_id = ?
	UNION
	SELECT fr.function_run_id FROM function_requirements fr
	JOIN downstream d ON fr.required_function_run_id = d.id
)
SELECT DISTINCT id FROM downstream WHERE id <> ?`

// Manager applies validated transitions and their cascades against the
// persistent store.
type Manager struct {
	db  *gorm.DB
	bus event.Bus
}

// NewManager returns a Manager on the given connection. The bus may be
// nil.
func NewManager(conn *gorm.DB, bus event.Bus) *Manager {
	return &Manager{db: conn, bus: bus}
}

// WithDatabase returns a Manager bound to conn, letting a caller run
// transitions inside its own store transaction.
func (m *Manager) WithDatabase(conn *gorm.DB) *Manager {
	return &Manager{db: conn, bus: m.bus}
}

// Downstream returns the ids of every run that transitively requires
// the output of runID, excluding runID itself.
func (m *Manager) Downstream(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	return downstream(m.db.WithContext(ctx), runID)
}

func downstream(tx *gorm.DB, runID uuid.UUID) ([]uuid.UUID, error) {
	raw := make([]string, 0)
	if err := tx.Raw(downstreamQuery, runID, runID).Scan(&raw).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query downstream runs")
	}

	ids := make([]uuid.UUID, 0, len(raw))
	for _, value := range raw {
		id, err := uuid.Parse(value)
		if err != nil {
			return nil, errors.Wrapf(err, "malformed downstream run id: %v", value)
		}
		ids = append(ids, id)
	}

	return ids, nil
}

// Transition validates and applies one status transition, then applies
// its downstream cascade in the same store transaction so a reader
// never observes a half-applied cascade.
func (m *Manager) Transition(ctx context.Context, runID uuid.UUID, to Status) error {
	var (
		applied  bool
		from     Status
		affected int64
		target   Status
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		run := &models.FunctionRun{}
		if err := tx.First(run, "id = ?", runID).Error; err != nil {
			return errors.Wrapf(err, "failed to load function run %v", runID)
		}

		from = Status(run.Status)

		apply, err := Next(from, to)
		if err != nil {
			return err
		}
		if !apply {
			return nil
		}
		applied = true

		if err := tx.Model(&models.FunctionRun{}).
			Where("id = ?", runID).
			Updates(transitionColumns(to)).Error; err != nil {
			return errors.Wrapf(err, "failed to update function run %v", runID)
		}

		cascadeTo, ok := CascadeTarget(to)
		if !ok {
			return nil
		}
		target = cascadeTo

		ids, err := downstream(tx, runID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		// One bulk statement per target status over the affected set.
		result := tx.Model(&models.FunctionRun{}).
			Where("id IN ? AND status IN ?", ids, cascadeSources(cascadeTo)).
			Updates(transitionColumns(cascadeTo))
		if result.Error != nil {
			return errors.Wrap(result.Error, "failed to apply cascade")
		}
		affected = result.RowsAffected

		return nil
	})
	if err != nil {
		return err
	}

	if applied {
		metrics.RunTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		if affected > 0 {
			metrics.CascadeRunsTotal.WithLabelValues(string(target)).Add(float64(affected))
			log.Info("cascaded status to downstream runs",
				"run_id", runID, "target", target, "count", affected)
		}
		m.publish(runID, from, to)
	}

	return nil
}

// TransitionAll applies one transition per run, tolerating per-run
// validation failures: a bulk operation over a mixed-status set must
// not abort because of one offending run.
func (m *Manager) TransitionAll(ctx context.Context, runIDs []uuid.UUID, to Status) (int, error) {
	applied := 0

	for _, id := range runIDs {
		switch err := m.Transition(ctx, id, to); {
		case err == nil:
			applied++
		case errors.Is(err, ErrAlreadyDone), errors.Is(err, ErrAlreadyCanceled):
			log.Debug("skipping terminal run in bulk transition", "run_id", id, "to", to)
		default:
			if _, ok := errors.Cause(err).(UnexpectedTransitionError); ok {
				log.Debug("skipping illegal transition in bulk update", "run_id", id, "to", to)
				continue
			}
			return applied, err
		}
	}

	return applied, nil
}

func transitionColumns(to Status) map[string]interface{} {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     string(to),
		"updated_at": now,
	}

	switch to {
	case Running:
		updates["started_on"] = now
	case Done, Error, Failed, Canceled:
		updates["ended_on"] = now
	case ReScheduled:
		updates["started_on"] = nil
		updates["ended_on"] = nil
	}

	return updates
}

func (m *Manager) publish(runID uuid.UUID, from, to Status) {
	if m.bus == nil {
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"from": string(from),
		"to":   string(to),
	})

	m.bus.Publish(event.Event{
		Type:      event.TypeRunTransitioned,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
}
