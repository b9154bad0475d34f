package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRetryBackoff_Ladder(t *testing.T) {
	cases := []struct {
		retries uint
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 30 * time.Second},
		{4, 1 * time.Minute},
		{5, 5 * time.Minute},
		{6, 10 * time.Minute},
		{7, 30 * time.Minute},
		{8, 1 * time.Hour},
		{9, 6 * time.Hour},
		{10, 6 * time.Hour},
		{11, 12 * time.Hour},
		{12, 24 * time.Hour},
		{50, 24 * time.Hour},
	}
	for _, tc := range cases {
		if got := retryBackoff(tc.retries); got != tc.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}

// openSharedStores opens two stores on the same database file with distinct
// pids, simulating overlapping agent processes.
func openSharedStores(t *testing.T) (*Store, *Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "querydeck.db")
	a, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store a: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store b: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	a.pid = 1001
	b.pid = 1002
	return a, b
}

func TestAcquireNextScheduledTask_SingleFlightAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	a, b := openSharedStores(t)

	due := time.Now().UTC().Add(-time.Minute)
	if _, err := a.CreateScheduledTask(ctx, TaskVacuum, uuid.Nil, due); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := a.CreateScheduledTask(ctx, TaskCleanupConnectionHistory, uuid.New(), due.Add(time.Second)); err != nil {
		t.Fatalf("create second task: %v", err)
	}

	claimed, _, err := a.AcquireNextScheduledTask(ctx)
	if err != nil {
		t.Fatalf("acquire from a: %v", err)
	}
	if claimed == nil || claimed.Status != TaskStatusRunning {
		t.Fatalf("expected a to claim, got %+v", claimed)
	}
	if claimed.ExecutedByPID != 1001 {
		t.Fatalf("expected executed_by_pid=1001, got %d", claimed.ExecutedByPID)
	}

	// While a holds the RUNNING slot, b may not claim anything, even though
	// a second task is due.
	candidate, _, err := b.AcquireNextScheduledTask(ctx)
	if err != nil {
		t.Fatalf("acquire from b: %v", err)
	}
	if candidate == nil {
		t.Fatal("expected a candidate from b")
	}
	if candidate.Status == TaskStatusRunning && candidate.ExecutedByPID == 1002 {
		t.Fatalf("b must not claim while a is running, got %+v", candidate)
	}
}

func TestDeleteScheduledTask_OwnershipGuard(t *testing.T) {
	ctx := context.Background()
	a, b := openSharedStores(t)

	if _, err := a.CreateScheduledTask(ctx, TaskVacuum, uuid.Nil, time.Now().UTC().Add(-time.Second)); err != nil {
		t.Fatalf("create task: %v", err)
	}
	claimed, _, err := a.AcquireNextScheduledTask(ctx)
	if err != nil || claimed == nil || claimed.Status != TaskStatusRunning {
		t.Fatalf("acquire: task=%+v err=%v", claimed, err)
	}

	// b does not own the row and may not delete it.
	deleted, err := b.DeleteScheduledTask(ctx, *claimed)
	if err != nil {
		t.Fatalf("delete from b: %v", err)
	}
	if deleted {
		t.Fatal("b deleted a row owned by a")
	}

	deleted, err = a.DeleteScheduledTask(ctx, *claimed)
	if err != nil {
		t.Fatalf("delete from a: %v", err)
	}
	if !deleted {
		t.Fatal("a failed to delete its own row")
	}

	// Second delete reports the row as already gone.
	deleted, err = a.DeleteScheduledTask(ctx, *claimed)
	if err != nil {
		t.Fatalf("re-delete: %v", err)
	}
	if deleted {
		t.Fatal("expected no-op on second delete")
	}
}

func TestDeleteScheduledTask_UnownedRow(t *testing.T) {
	ctx := context.Background()
	a, b := openSharedStores(t)

	task, err := a.CreateScheduledTask(ctx, TaskVacuum, uuid.Nil, time.Now().UTC().Add(time.Hour))
	if err != nil || task == nil {
		t.Fatalf("create task: task=%+v err=%v", task, err)
	}

	// Unowned (pid 0) rows are deletable by anyone.
	deleted, err := b.DeleteScheduledTask(ctx, *task)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !deleted {
		t.Fatal("expected unowned row to be deletable by any process")
	}
}
