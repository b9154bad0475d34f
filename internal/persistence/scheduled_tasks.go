package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskName identifies what a scheduled task runs.
type TaskName string

const (
	TaskVacuum                   TaskName = "vacuum"
	TaskCleanupConnectionHistory TaskName = "cleanup_connection_history"
)

// TaskStatus is the persisted state of a scheduled task. COMPLETED exists
// only in memory: it tells the scheduler loop to delete the row and is never
// written to storage (the schema CHECK rejects it).
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusCompleted TaskStatus = "COMPLETED"
)

// ScheduledTask is one row of durable background work. The (Name, EntityID)
// pair is the primary key; uuid.Nil as EntityID means "not entity-scoped".
type ScheduledTask struct {
	Name          TaskName   `json:"name"`
	EntityID      uuid.UUID  `json:"entity_id"`
	Status        TaskStatus `json:"status"`
	Retries       uint       `json:"retries"`
	ExecutedByPID int        `json:"executed_by_pid"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
}

// EntityScoped reports whether the task targets a specific resource.
func (t ScheduledTask) EntityScoped() bool {
	return t.EntityID != uuid.Nil
}

// retryBackoff maps the consecutive-failure count to the wait before the next
// attempt. Retries 9 and 10 share the 6h rung; the original ladder has no
// distinct entry for the tenth retry and changing that silently would move
// every long-failing task's schedule.
func retryBackoff(retries uint) time.Duration {
	switch retries {
	case 0:
		return 1 * time.Second
	case 1:
		return 5 * time.Second
	case 2:
		return 10 * time.Second
	case 3:
		return 30 * time.Second
	case 4:
		return 1 * time.Minute
	case 5:
		return 5 * time.Minute
	case 6:
		return 10 * time.Minute
	case 7:
		return 30 * time.Minute
	case 8:
		return 1 * time.Hour
	case 9, 10:
		return 6 * time.Hour
	case 11:
		return 12 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// CreateScheduledTask inserts a new PENDING task due at scheduledFor (now if
// zero). Creation is idempotent: if the (name, entityID) pair already exists
// the row is left untouched and (nil, nil) is returned.
func (s *Store) CreateScheduledTask(ctx context.Context, name TaskName, entityID uuid.UUID, scheduledFor time.Time) (*ScheduledTask, error) {
	if scheduledFor.IsZero() {
		scheduledFor = time.Now().UTC()
	}
	task := &ScheduledTask{
		Name:         name,
		EntityID:     entityID,
		Status:       TaskStatusPending,
		ScheduledFor: scheduledFor.UTC(),
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (name, entity_id, status, retries, executed_by_pid, scheduled_for)
			VALUES (?, ?, ?, 0, 0, ?);
		`, name, entityID.String(), TaskStatusPending, task.ScheduledFor)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("create scheduled task: %w", err)
	}
	return task, nil
}

// DeleteScheduledTask removes the task's row, but only when the row is
// unowned or owned by this process. Returns false when the row is gone or
// another process holds it; deletion races are expected and non-fatal.
func (s *Store) DeleteScheduledTask(ctx context.Context, task ScheduledTask) (bool, error) {
	var deleted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM scheduled_tasks
			WHERE name = ? AND entity_id = ? AND executed_by_pid IN (0, ?);
		`, task.Name, task.EntityID.String(), s.pid)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete scheduled task: %w", err)
	}
	return deleted, nil
}

// AcquireNextScheduledTask claims the next ready task, or reports how long
// until one becomes ready. In a single conditional write it selects the row
// with the earliest scheduled_for, and, only if no row anywhere is RUNNING
// and the candidate is due, flips it to RUNNING, stamps this process id and
// increments retries when the row was FAILED. The running check, the row
// selection and the update all evaluate against the same statement snapshot,
// so two processes sharing the file can never both claim.
//
// The returned duration is scheduled_for minus now for the candidate
// (zero or negative when due). A nil task with nil error means the table is
// empty. When the candidate exists but the claim conditions fail (not yet
// due, or another process holds the RUNNING slot) the candidate is returned
// unmodified with its wait.
func (s *Store) AcquireNextScheduledTask(ctx context.Context) (*ScheduledTask, time.Duration, error) {
	now := time.Now().UTC()

	var task ScheduledTask
	claimErr := retryOnBusy(ctx, 5, func() error {
		row := s.db.QueryRowContext(ctx, `
			UPDATE scheduled_tasks
			SET status = ?,
			    executed_by_pid = ?,
			    retries = CASE WHEN status = ? THEN retries + 1 ELSE retries END
			WHERE rowid = (
				SELECT rowid FROM scheduled_tasks
				ORDER BY scheduled_for ASC, name ASC, entity_id ASC
				LIMIT 1
			)
			  AND scheduled_for <= ?
			  AND NOT EXISTS (SELECT 1 FROM scheduled_tasks WHERE status = ?)
			RETURNING name, entity_id, status, retries, executed_by_pid, scheduled_for;
		`, TaskStatusRunning, s.pid, TaskStatusFailed, now, TaskStatusRunning)
		return scanScheduledTask(row.Scan, &task)
	})
	if claimErr == nil {
		return &task, task.ScheduledFor.Sub(now), nil
	}
	if !errors.Is(claimErr, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("claim scheduled task: %w", claimErr)
	}

	// Nothing claimable: either the table is empty, the candidate is not due,
	// or another process owns the single RUNNING slot. Surface the candidate.
	row := s.db.QueryRowContext(ctx, `
		SELECT name, entity_id, status, retries, executed_by_pid, scheduled_for
		FROM scheduled_tasks
		ORDER BY scheduled_for ASC, name ASC, entity_id ASC
		LIMIT 1;
	`)
	if err := scanScheduledTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("select candidate task: %w", err)
	}
	return &task, task.ScheduledFor.Sub(now), nil
}

// ScheduleRetry transitions a task to FAILED with the next backoff wait:
// retries is bumped and scheduled_for moves to now plus the ladder entry for
// the bumped count. Ownership is released. A missing row (deleted by a racing
// process) is a no-op.
func (s *Store) ScheduleRetry(ctx context.Context, task ScheduledTask) error {
	retries := task.Retries + 1
	due := time.Now().UTC().Add(retryBackoff(retries))
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = ?, executed_by_pid = 0, retries = ?, scheduled_for = ?
			WHERE name = ? AND entity_id = ?;
		`, TaskStatusFailed, retries, due, task.Name, task.EntityID.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// ScheduleNextExecution re-pends a recurring task for its next occurrence.
// The caller must have set task.ScheduledFor to the next run time; retries
// reset and ownership is released. A missing row is a no-op.
func (s *Store) ScheduleNextExecution(ctx context.Context, task ScheduledTask) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET status = ?, executed_by_pid = 0, retries = 0, scheduled_for = ?
			WHERE name = ? AND entity_id = ?;
		`, TaskStatusPending, task.ScheduledFor.UTC(), task.Name, task.EntityID.String())
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule next execution: %w", err)
	}
	return nil
}

// ListScheduledTasks returns all task rows ordered by due time, for
// inspection through the gateway.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, entity_id, status, retries, executed_by_pid, scheduled_for
		FROM scheduled_tasks
		ORDER BY scheduled_for ASC, name ASC, entity_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		var t ScheduledTask
		if err := scanScheduledTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scheduled task rows: %w", err)
	}
	return out, nil
}

func scanScheduledTask(scan func(dest ...any) error, t *ScheduledTask) error {
	var entity string
	if err := scan(&t.Name, &entity, &t.Status, &t.Retries, &t.ExecutedByPID, &t.ScheduledFor); err != nil {
		return err
	}
	id, err := uuid.Parse(entity)
	if err != nil {
		return fmt.Errorf("parse entity id %q: %w", entity, err)
	}
	t.EntityID = id
	t.ScheduledFor = t.ScheduledFor.UTC()
	return nil
}
