// Package status implements the function-run status lifecycle: the
// validated transition table and the downstream cascades applied when
// a run is canceled, rescheduled or fails.
package status

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status enumerates the function-run lifecycle states.
type Status string

const (
	Scheduled    Status = "scheduled"
	ReScheduled  Status = "rescheduled"
	RunRequested Status = "run_requested"
	Running      Status = "running"
	Done         Status = "done"
	Error        Status = "error"
	Failed       Status = "failed"
	OnHold       Status = "on_hold"
	Canceled     Status = "canceled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == Done || s == Canceled
}

var (
	// ErrAlreadyDone rejects transitions off a completed run.
	ErrAlreadyDone = errors.New("function run is already done")
	// ErrAlreadyCanceled rejects transitions off a canceled run.
	ErrAlreadyCanceled = errors.New("function run is already canceled")
)

// UnexpectedTransitionError reports a (from, to) pair outside the
// legal transition table.
type UnexpectedTransitionError struct {
	From Status
	To   Status
}

func (e UnexpectedTransitionError) Error() string {
	return fmt.Sprintf("unexpected status transition: %v -> %v", e.From, e.To)
}

// legal holds every applied transition of the table. No-op and error
// pairs are handled before consulting it.
var legal = map[Status]map[Status]struct{}{
	Scheduled: {
		RunRequested: {},
		Canceled:     {},
	},
	ReScheduled: {
		RunRequested: {},
		Canceled:     {},
	},
	RunRequested: {
		Running:     {},
		Error:       {},
		Failed:      {},
		ReScheduled: {},
		Canceled:    {},
	},
	Running: {
		Done:        {},
		Error:       {},
		Failed:      {},
		ReScheduled: {},
		Canceled:    {},
	},
	Error: {
		Canceled: {},
	},
	Failed: {
		ReScheduled: {},
		Canceled:    {},
	},
	OnHold: {
		ReScheduled: {},
		Canceled:    {},
	},
}

// Next validates from -> to. It returns whether the transition must be
// applied: same -> same and Done -> Canceled are tolerated no-ops.
func Next(from, to Status) (bool, error) {
	if from == to {
		return false, nil
	}

	switch from {
	case Done:
		if to == Canceled {
			// Tolerated so bulk cancellation may cover mixed-status
			// sets.
			return false, nil
		}
		return false, ErrAlreadyDone
	case Canceled:
		return false, ErrAlreadyCanceled
	}

	if targets, ok := legal[from]; ok {
		if _, ok := targets[to]; ok {
			return true, nil
		}
	}

	return false, UnexpectedTransitionError{From: from, To: to}
}

// CascadeTarget returns the status applied to the downstream closure
// when a run transitions to. Failed holds dependents instead of
// canceling them: the work resumes once the upstream failure is
// resolved.
func CascadeTarget(to Status) (Status, bool) {
	switch to {
	case Canceled:
		return Canceled, true
	case ReScheduled:
		return ReScheduled, true
	case Failed:
		return OnHold, true
	default:
		return "", false
	}
}

// cascadeSources lists the statuses a cascade target may be applied
// over in bulk. Runs outside the set keep their status, mirroring the
// per-run transition table without failing the bulk statement.
func cascadeSources(target Status) []string {
	switch target {
	case Canceled:
		return []string{
			string(Scheduled), string(ReScheduled), string(RunRequested),
			string(Running), string(Error), string(Failed), string(OnHold),
		}
	case ReScheduled:
		return []string{
			string(RunRequested), string(Running), string(Failed), string(OnHold),
		}
	case OnHold:
		return []string{
			string(Scheduled), string(ReScheduled), string(RunRequested), string(Running),
		}
	default:
		return nil
	}
}
