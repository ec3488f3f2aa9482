package dispatch

import (
	"context"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
	"github.com/tabflow-cloud/tabflow/pkg/log"
)

// Driver invokes dispatch cycles on a cron schedule. Polling is
// stateless, so multiple instances may drive the same store; the queue
// id check keeps delivery at-most-once.
type Driver struct {
	dispatcher *Dispatcher
	schedule   cron.Schedule
}

// NewDriver parses the schedule expression ("@every 5s", standard cron
// syntax) and returns a Driver.
func NewDriver(dispatcher *Dispatcher, scheduleSpec string) (*Driver, error) {
	schedule, err := cron.Parse(scheduleSpec)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid dispatch schedule: %v", scheduleSpec)
	}

	return &Driver{dispatcher: dispatcher, schedule: schedule}, nil
}

// Run reconciles in-flight work once, then cycles until the context is
// canceled. Store contention is logged and retried on the next tick
// rather than aborting the loop.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.dispatcher.Recover(ctx); err != nil {
		return errors.Wrap(err, "failed to recover in-flight work")
	}

	for {
		next := d.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := d.dispatcher.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isContentionErr(err) {
				log.Warn("dispatch cycle hit store contention, retrying next tick", "error", err)
				continue
			}
			log.Error("dispatch cycle failure", "error", err)
			return err
		}
	}
}

func isContentionErr(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
