// Package scheduler drives durable background maintenance: it repeatedly
// claims the next ready task from the store, hands it to the registered
// executor, and feeds the outcome back through the retry/reschedule policy.
// Mutual exclusion across overlapping agent processes is enforced entirely by
// the store's conditional claim; the loop holds no in-process locks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/querydeck/internal/bus"
	"github.com/basket/querydeck/internal/otel"
	"github.com/basket/querydeck/internal/persistence"
)

// Executor runs the side effect for one claimed task and returns the updated
// task. The returned status must be COMPLETED (delete me), PENDING
// (reschedule me; ScheduledFor must be set to the next run) or FAILED (retry
// me with backoff). Executors must not touch Retries or ExecutedByPID; those
// belong to the claim protocol and retry policy.
type Executor interface {
	Execute(ctx context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error)

func (f ExecutorFunc) Execute(ctx context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error) {
	return f(ctx, task)
}

// Registry maps task names to their executors. It is the sole extension
// point for new background jobs.
type Registry map[persistence.TaskName]Executor

// Config holds the dependencies for the task runner.
type Config struct {
	Store    *persistence.Store
	Registry Registry
	Logger   *slog.Logger
	Bus      *bus.Bus      // may be nil
	Metrics  *otel.Metrics // may be nil
	Tracer   trace.Tracer  // may be nil

	// PollFloor bounds how quickly the driver re-polls when a claim is
	// contended or overdue; defaults to 1 second if zero.
	PollFloor time.Duration
}

// Runner owns the claim → execute → transition loop for one process.
type Runner struct {
	store     *persistence.Store
	registry  Registry
	logger    *slog.Logger
	eventBus  *bus.Bus
	metrics   *otel.Metrics
	tracer    trace.Tracer
	pollFloor time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pollFloor := cfg.PollFloor
	if pollFloor <= 0 {
		pollFloor = time.Second
	}
	return &Runner{
		store:     cfg.Store,
		registry:  cfg.Registry,
		logger:    logger,
		eventBus:  cfg.Bus,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		pollFloor: pollFloor,
	}
}

// Start runs the scheduler in a background goroutine until ctx is canceled,
// the task table empties, or the store becomes unavailable.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(ctx); err != nil {
			r.logger.Error("task runner stopped with error", "error", err)
			return
		}
		r.logger.Info("task runner stopped")
	}()
	r.logger.Info("task runner started", "pid", r.store.PID())
}

// Stop cancels the loop and waits for the in-flight task, if any, to finish
// its transition. There is no mid-task cancellation.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Run is the outer driver: it executes every due task, then sleeps until the
// next one is due, waking early on ctx cancellation. It returns nil when
// shutdown is requested or no tasks remain, and an error only when the store
// itself fails; task-level failures are absorbed by the retry policy.
func (r *Runner) Run(ctx context.Context) error {
	for {
		wait, err := r.runPending(ctx)
		if err != nil {
			return err
		}
		if wait == nil {
			return nil
		}
		d := *wait
		if d < r.pollFloor {
			// A non-positive wait here means the claim was contended (another
			// process holds the RUNNING slot); back off briefly instead of
			// spinning on the store.
			d = r.pollFloor
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// runPending claims and executes tasks until none is immediately runnable.
// It returns the wait until the next task is due, or nil when the scheduler
// should exit (shutdown, or the table is empty).
func (r *Runner) runPending(ctx context.Context) (*time.Duration, error) {
	for {
		if ctx.Err() != nil {
			return nil, nil
		}
		task, wait, err := r.store.AcquireNextScheduledTask(ctx)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, nil
		}
		if task.Status != persistence.TaskStatusRunning || task.ExecutedByPID != r.store.PID() {
			// Not our claim: the candidate is in the future, or the returned
			// row is RUNNING under another process's pid. Only a row this
			// process stamped may be executed here.
			w := wait
			return &w, nil
		}

		r.publish(bus.TopicTaskStarted, *task)
		updated, execErr := r.execute(ctx, *task)
		if execErr != nil {
			r.logger.Error("scheduled task failed",
				"task", task.Name,
				"entity_id", task.EntityID,
				"retries", task.Retries,
				"error", execErr,
			)
			if err := r.store.ScheduleRetry(ctx, *task); err != nil {
				return nil, err
			}
			if r.metrics != nil {
				r.metrics.TaskRetries.Add(ctx, 1)
			}
			r.publish(bus.TopicTaskRetried, *task)
			continue
		}

		switch updated.Status {
		case persistence.TaskStatusPending:
			if err := r.store.ScheduleNextExecution(ctx, updated); err != nil {
				return nil, err
			}
			r.logger.Info("scheduled task rescheduled",
				"task", updated.Name,
				"entity_id", updated.EntityID,
				"next_run_at", updated.ScheduledFor,
			)
			r.publish(bus.TopicTaskRescheduled, updated)
		case persistence.TaskStatusRunning:
			// An executor may never leave a task RUNNING; proceeding would
			// wedge the global single-flight claim.
			return nil, fmt.Errorf("executor for task %q returned status RUNNING: executor contract violation", updated.Name)
		default:
			// COMPLETED (or any terminal outcome): the row is done.
			if _, err := r.store.DeleteScheduledTask(ctx, updated); err != nil {
				return nil, err
			}
			if r.metrics != nil {
				r.metrics.TasksCompleted.Add(ctx, 1)
			}
			r.logger.Info("scheduled task completed",
				"task", updated.Name,
				"entity_id", updated.EntityID,
			)
			r.publish(bus.TopicTaskCompleted, updated)
		}
	}
}

func (r *Runner) execute(ctx context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error) {
	exec, ok := r.registry[task.Name]
	if !ok {
		return task, fmt.Errorf("no executor registered for task %q", task.Name)
	}
	if r.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, r.tracer, "scheduler.execute",
			otel.AttrTaskName.String(string(task.Name)),
			otel.AttrTaskEntity.String(task.EntityID.String()),
			otel.AttrTaskRetries.Int(int(task.Retries)),
		)
		defer span.End()
	}
	start := time.Now()
	updated, err := exec.Execute(ctx, task)
	if r.metrics != nil {
		r.metrics.TaskDuration.Record(ctx, time.Since(start).Seconds())
	}
	return updated, err
}

func (r *Runner) publish(topic string, task persistence.ScheduledTask) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(topic, bus.TaskEvent{
		Name:         string(task.Name),
		EntityID:     task.EntityID.String(),
		Status:       string(task.Status),
		Retries:      task.Retries,
		ScheduledFor: task.ScheduledFor,
	})
}
