// Package tasks holds the background maintenance executors registered with
// the scheduler: recurring query-history vacuuming and per-connection
// history cleanup.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/querydeck/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultVacuumSchedule runs the vacuum nightly.
const DefaultVacuumSchedule = "0 3 * * *"

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Vacuum purges query-history rows older than the retention window, compacts
// the database file, and reschedules itself for the next cron occurrence.
type Vacuum struct {
	Store     *persistence.Store
	Logger    *slog.Logger
	Retention time.Duration // history older than this is purged
	Schedule  string        // cron expression for the next occurrence
}

func (v *Vacuum) Execute(ctx context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error) {
	cutoff := time.Now().UTC().Add(-v.Retention)
	purged, err := v.Store.PurgeQueryHistoryBefore(ctx, cutoff)
	if err != nil {
		return task, fmt.Errorf("purge history: %w", err)
	}
	if err := v.Store.Vacuum(ctx); err != nil {
		return task, err
	}

	schedule := v.Schedule
	if schedule == "" {
		schedule = DefaultVacuumSchedule
	}
	next, err := NextRunTime(schedule, time.Now().UTC())
	if err != nil {
		return task, fmt.Errorf("compute next vacuum run: %w", err)
	}
	if v.Logger != nil {
		v.Logger.Info("vacuum finished",
			"purged_rows", purged,
			"cutoff", cutoff,
			"next_run_at", next,
		)
	}

	task.Status = persistence.TaskStatusPending
	task.ScheduledFor = next
	return task, nil
}
