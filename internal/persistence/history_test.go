package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/querydeck/internal/persistence"
)

func TestQueryFingerprint_NormalizesWhitespaceAndCase(t *testing.T) {
	a := persistence.QueryFingerprint("SELECT  *\n FROM users")
	b := persistence.QueryFingerprint("select * from users")
	if a != b {
		t.Fatalf("expected equal fingerprints, got %q and %q", a, b)
	}
	c := persistence.QueryFingerprint("select id from users")
	if a == c {
		t.Fatalf("different statements must not collide: %q", a)
	}
}

func TestRecordQuery_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	id, err := store.RecordQuery(ctx, "conn-1", "SELECT 1", 42*time.Millisecond, 1, nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive row id, got %d", id)
	}
	if _, err := store.RecordQuery(ctx, "conn-1", "SELECT broken", 5*time.Millisecond, 0, errors.New("syntax error")); err != nil {
		t.Fatalf("record failed query: %v", err)
	}

	items, err := store.ListQueryHistory(ctx, "conn-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(items))
	}
	// Newest first.
	if items[0].QueryText != "SELECT broken" {
		t.Fatalf("expected newest row first, got %q", items[0].QueryText)
	}
	if items[0].Error != "syntax error" {
		t.Fatalf("expected recorded error, got %q", items[0].Error)
	}
	if items[1].DurationMS != 42 || items[1].RowCount != 1 {
		t.Fatalf("unexpected stats: %+v", items[1])
	}
	if items[1].Fingerprint != persistence.QueryFingerprint("SELECT 1") {
		t.Fatalf("fingerprint mismatch: %q", items[1].Fingerprint)
	}
}

func TestTrimConnectionHistory_KeepsNewestRows(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	for i := 0; i < 10; i++ {
		if _, err := store.RecordQuery(ctx, "conn-1", fmt.Sprintf("SELECT %d", i), 0, 0, nil); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	if _, err := store.RecordQuery(ctx, "conn-2", "SELECT 'other'", 0, 0, nil); err != nil {
		t.Fatalf("record other connection: %v", err)
	}

	trimmed, err := store.TrimConnectionHistory(ctx, "conn-1", 3)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if trimmed != 7 {
		t.Fatalf("expected 7 trimmed, got %d", trimmed)
	}

	items, err := store.ListQueryHistory(ctx, "conn-1", 10)
	if err != nil || len(items) != 3 {
		t.Fatalf("list after trim: items=%d err=%v", len(items), err)
	}
	if items[0].QueryText != "SELECT 9" {
		t.Fatalf("trim must keep the newest rows, got %q", items[0].QueryText)
	}

	// Other connections are untouched.
	count, err := store.CountQueryHistory(ctx, "conn-2")
	if err != nil || count != 1 {
		t.Fatalf("conn-2 count: %d err=%v", count, err)
	}
}

func TestDeleteConnectionHistory_RemovesEverything(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	for i := 0; i < 4; i++ {
		if _, err := store.RecordQuery(ctx, "conn-1", "SELECT 1", 0, 0, nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	deleted, err := store.DeleteConnectionHistory(ctx, "conn-1")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 4 {
		t.Fatalf("expected 4 deleted, got %d", deleted)
	}
	count, err := store.CountQueryHistory(ctx, "conn-1")
	if err != nil || count != 0 {
		t.Fatalf("count after delete: %d err=%v", count, err)
	}
}

func TestPurgeQueryHistoryBefore(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)

	if _, err := store.RecordQuery(ctx, "conn-1", "SELECT 'old'", 0, 0, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	// Age the row past the cutoff.
	if _, err := store.DB().ExecContext(ctx, `UPDATE query_history SET executed_at = ?;`, time.Now().UTC().Add(-48*time.Hour)); err != nil {
		t.Fatalf("age row: %v", err)
	}
	if _, err := store.RecordQuery(ctx, "conn-1", "SELECT 'fresh'", 0, 0, nil); err != nil {
		t.Fatalf("record fresh: %v", err)
	}

	purged, err := store.PurgeQueryHistoryBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged, got %d", purged)
	}
	items, err := store.ListQueryHistory(ctx, "conn-1", 10)
	if err != nil || len(items) != 1 || items[0].QueryText != "SELECT 'fresh'" {
		t.Fatalf("unexpected survivors: %+v err=%v", items, err)
	}
}

func TestVacuum(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.Vacuum(context.Background()); err != nil {
		t.Fatalf("vacuum: %v", err)
	}
}
