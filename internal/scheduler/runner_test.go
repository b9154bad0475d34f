package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/querydeck/internal/bus"
	"github.com/basket/querydeck/internal/otel"
	"github.com/basket/querydeck/internal/persistence"
	"github.com/basket/querydeck/internal/scheduler"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "querydeck.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func completeExecutor(calls *atomic.Int64) scheduler.ExecutorFunc {
	return func(_ context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error) {
		calls.Add(1)
		task.Status = persistence.TaskStatusCompleted
		return task, nil
	}
}

func TestRunner_CompletesOneShotTask(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	entity := uuid.New()
	if _, err := store.CreateScheduledTask(ctx, persistence.TaskCleanupConnectionHistory, entity, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	var calls atomic.Int64
	eventBus := bus.New()
	sub := eventBus.Subscribe("task.")
	defer eventBus.Unsubscribe(sub)

	runner := scheduler.NewRunner(scheduler.Config{
		Store: store,
		Bus:   eventBus,
		Registry: scheduler.Registry{
			persistence.TaskCleanupConnectionHistory: completeExecutor(&calls),
		},
	})
	// Run returns nil once the table is empty.
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one execution, got %d", calls.Load())
	}

	tasks, err := store.ListScheduledTasks(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("completed task must be deleted, got %v", tasks)
	}

	var topics []string
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		topics = append(topics, ev.Topic)
	}
	if len(topics) != 2 || topics[0] != bus.TopicTaskStarted || topics[1] != bus.TopicTaskCompleted {
		t.Fatalf("expected started+completed events, got %v", topics)
	}
}

func TestRunner_FailedExecutionSchedulesRetry(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.CreateScheduledTask(context.Background(), persistence.TaskVacuum, uuid.Nil, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	var calls atomic.Int64
	runner := scheduler.NewRunner(scheduler.Config{
		Store: store,
		Registry: scheduler.Registry{
			persistence.TaskVacuum: scheduler.ExecutorFunc(func(_ context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error) {
				calls.Add(1)
				return task, errors.New("disk on fire")
			}),
		},
	})

	// After the failure the task backs off into the future, so Run sleeps;
	// cancel to get control back.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one attempt, got %d", calls.Load())
	}

	tasks, err := store.ListScheduledTasks(context.Background())
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list: tasks=%v err=%v", tasks, err)
	}
	got := tasks[0]
	if got.Status != persistence.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Retries != 1 {
		t.Fatalf("expected retries=1, got %d", got.Retries)
	}
	if got.ExecutedByPID != 0 {
		t.Fatalf("retry must release ownership, got pid %d", got.ExecutedByPID)
	}
	if !got.ScheduledFor.After(time.Now().UTC()) {
		t.Fatalf("expected future due time, got %v", got.ScheduledFor)
	}
}

func TestRunner_PendingResultReschedules(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.CreateScheduledTask(context.Background(), persistence.TaskVacuum, uuid.Nil, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	runner := scheduler.NewRunner(scheduler.Config{
		Store: store,
		Registry: scheduler.Registry{
			persistence.TaskVacuum: scheduler.ExecutorFunc(func(_ context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error) {
				task.Status = persistence.TaskStatusPending
				task.ScheduledFor = next
				return task, nil
			}),
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	tasks, err := store.ListScheduledTasks(context.Background())
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list: tasks=%v err=%v", tasks, err)
	}
	got := tasks[0]
	if got.Status != persistence.TaskStatusPending || got.Retries != 0 || got.ExecutedByPID != 0 {
		t.Fatalf("expected rescheduled PENDING row, got %+v", got)
	}
	if !got.ScheduledFor.Equal(next) {
		t.Fatalf("expected scheduled_for %v, got %v", next, got.ScheduledFor)
	}
}

func TestRunner_RunningResultIsContractViolation(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.CreateScheduledTask(context.Background(), persistence.TaskVacuum, uuid.Nil, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	runner := scheduler.NewRunner(scheduler.Config{
		Store: store,
		Registry: scheduler.Registry{
			persistence.TaskVacuum: scheduler.ExecutorFunc(func(_ context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error) {
				return task, nil // still RUNNING
			}),
		},
	})

	err := runner.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "contract violation") {
		t.Fatalf("expected contract violation error, got %v", err)
	}
}

func TestRunner_UnregisteredTaskIsRetried(t *testing.T) {
	store := openTestStore(t)

	if _, err := store.CreateScheduledTask(context.Background(), persistence.TaskName("mystery"), uuid.Nil, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	runner := scheduler.NewRunner(scheduler.Config{
		Store:    store,
		Registry: scheduler.Registry{},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	tasks, err := store.ListScheduledTasks(context.Background())
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list: tasks=%v err=%v", tasks, err)
	}
	if tasks[0].Status != persistence.TaskStatusFailed || tasks[0].Retries != 1 {
		t.Fatalf("expected FAILED retries=1, got %+v", tasks[0])
	}
}

func TestRunner_EmptyTableExits(t *testing.T) {
	store := openTestStore(t)
	runner := scheduler.NewRunner(scheduler.Config{Store: store, Registry: scheduler.Registry{}})
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("run on empty table: %v", err)
	}
}

func TestRunner_ForeignRunningTaskNotExecuted(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	if _, err := store.CreateScheduledTask(ctx, persistence.TaskVacuum, uuid.Nil, time.Now().UTC().Add(-time.Minute)); err != nil {
		t.Fatalf("create task: %v", err)
	}
	// Another process claimed the row: RUNNING under a pid that is not ours.
	const foreignPID = 54321
	if _, err := store.DB().ExecContext(ctx, `
		UPDATE scheduled_tasks SET status = ?, executed_by_pid = ?;
	`, persistence.TaskStatusRunning, foreignPID); err != nil {
		t.Fatalf("mark foreign running: %v", err)
	}

	var calls atomic.Int64
	runner := scheduler.NewRunner(scheduler.Config{
		Store:     store,
		PollFloor: 50 * time.Millisecond,
		Registry: scheduler.Registry{
			persistence.TaskVacuum: completeExecutor(&calls),
		},
	})

	// Several poll rounds fit in the window; none may touch the foreign row.
	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := runner.Run(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("runner executed another process's in-flight task %d times", calls.Load())
	}

	tasks, err := store.ListScheduledTasks(ctx)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("list: tasks=%v err=%v", tasks, err)
	}
	got := tasks[0]
	if got.Status != persistence.TaskStatusRunning || got.ExecutedByPID != foreignPID {
		t.Fatalf("foreign RUNNING row mutated: %+v", got)
	}
	if got.Retries != 0 {
		t.Fatalf("foreign row retries bumped to %d", got.Retries)
	}
}

func TestRunner_RecordsTaskMetrics(t *testing.T) {
	store := openTestStore(t)

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := otel.NewMetrics(provider.Meter("scheduler-test"))
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	ctx := context.Background()
	if _, err := store.CreateScheduledTask(ctx, persistence.TaskCleanupConnectionHistory, uuid.New(), time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := store.CreateScheduledTask(ctx, persistence.TaskVacuum, uuid.Nil, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	var calls atomic.Int64
	runner := scheduler.NewRunner(scheduler.Config{
		Store:   store,
		Metrics: metrics,
		Registry: scheduler.Registry{
			persistence.TaskCleanupConnectionHistory: completeExecutor(&calls),
			persistence.TaskVacuum: scheduler.ExecutorFunc(func(_ context.Context, task persistence.ScheduledTask) (persistence.ScheduledTask, error) {
				return task, errors.New("disk on fire")
			}),
		},
	})

	runCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	if err := runner.Run(runCtx); err != nil {
		t.Fatalf("run: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := counterValue(t, rm, "querydeck.task.completed"); got != 1 {
		t.Fatalf("task.completed = %d, want 1", got)
	}
	if got := counterValue(t, rm, "querydeck.task.retries"); got != 1 {
		t.Fatalf("task.retries = %d, want 1", got)
	}
	if got := histogramCount(t, rm, "querydeck.task.duration"); got != 2 {
		t.Fatalf("task.duration count = %d, want 2", got)
	}
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is %T, not an int64 sum", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %s is %T, not a float64 histogram", name, m.Data)
			}
			var total uint64
			for _, dp := range hist.DataPoints {
				total += dp.Count
			}
			return total
		}
	}
	return 0
}

func TestRunner_StartStop(t *testing.T) {
	store := openTestStore(t)

	// A far-future task keeps the loop sleeping; Stop must interrupt it.
	if _, err := store.CreateScheduledTask(context.Background(), persistence.TaskVacuum, uuid.Nil, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	runner := scheduler.NewRunner(scheduler.Config{Store: store, Registry: scheduler.Registry{}})
	runner.Start(context.Background())

	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
