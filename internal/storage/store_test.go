package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"roomsync/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("sqlite://file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func mustEnsureRoom(t *testing.T, store *Store, room string) {
	t.Helper()
	if err := store.EnsureRoom(context.Background(), room); err != nil {
		t.Fatalf("ensure room: %v", err)
	}
}

func storedMsg(id, room, sender, body string, createdAt int64) internal.Message {
	return internal.Message{ID: id, Room: room, Sender: sender, Body: body, CreatedAt: createdAt}
}

func TestRoomExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exists, err := store.RoomExists(ctx, "r1")
	if err != nil {
		t.Fatalf("room exists: %v", err)
	}
	if exists {
		t.Fatalf("r1 should not exist yet")
	}

	mustEnsureRoom(t, store, "r1")
	mustEnsureRoom(t, store, "r1") // idempotent

	exists, err = store.RoomExists(ctx, "r1")
	if err != nil {
		t.Fatalf("room exists: %v", err)
	}
	if !exists {
		t.Fatalf("r1 should exist after EnsureRoom")
	}
}

func TestMessageLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnsureRoom(t, store, "r1")

	msg := storedMsg("m1", "r1", "alice", "hello", 1000)
	msg.CorrelationID = "corr-1"

	inserted, err := store.InsertMessage(ctx, msg)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Fatalf("first insert should write a row")
	}

	// replayed insert with the same id is absorbed
	inserted, err = store.InsertMessage(ctx, msg)
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if inserted {
		t.Fatalf("replayed insert must not write a second row")
	}

	got, err := store.MessageByID(ctx, "r1", "m1")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if got.Body != "hello" || got.Sender != "alice" {
		t.Fatalf("unexpected row: %+v", got)
	}

	got, err = store.MessageByCorrelation(ctx, "r1", "corr-1")
	if err != nil {
		t.Fatalf("by correlation: %v", err)
	}
	if got.ID != "m1" {
		t.Fatalf("correlation lookup returned %s", got.ID)
	}

	if _, err := store.MessageByID(ctx, "r1", "missing"); !errors.Is(err, internal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.MessageByCorrelation(ctx, "r1", ""); !errors.Is(err, internal.ErrNotFound) {
		t.Fatalf("empty correlation id must miss, got %v", err)
	}

	if err := store.DeleteMessage(ctx, "r1", "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.MessageByID(ctx, "r1", "m1"); !errors.Is(err, internal.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// deleting again is a no-op
	if err := store.DeleteMessage(ctx, "r1", "m1"); err != nil {
		t.Fatalf("replayed delete: %v", err)
	}
}

func TestMessagesBeforeKeyset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnsureRoom(t, store, "r1")

	// 45 rows, including a timestamp tie at 21000 to exercise the id tie-break
	for i := 1; i <= 45; i++ {
		ts := int64(i * 1000)
		if i == 22 {
			ts = 21000
		}
		msg := storedMsg(fmt.Sprintf("m%03d", i), "r1", "bob", fmt.Sprintf("message %d", i), ts)
		if _, err := store.InsertMessage(ctx, msg); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	seen := make(map[string]bool)
	var cursor *internal.MessageKey
	for page := 0; page < 3; page++ {
		rows, err := store.MessagesBefore(ctx, "r1", cursor, 20)
		if err != nil {
			t.Fatalf("page %d: %v", page, err)
		}
		wantLen := 20
		if page == 2 {
			wantLen = 5
		}
		if len(rows) != wantLen {
			t.Fatalf("page %d: got %d rows, want %d", page, len(rows), wantLen)
		}
		for i, row := range rows {
			if seen[row.ID] {
				t.Fatalf("page %d: row %s duplicated across pages", page, row.ID)
			}
			seen[row.ID] = true
			if i > 0 {
				prev := rows[i-1].Key()
				if !row.Key().Less(prev) {
					t.Fatalf("page %d: rows not strictly descending at %d", page, i)
				}
			}
		}
		oldest := rows[len(rows)-1].Key()
		cursor = &oldest
	}
	if len(seen) != 45 {
		t.Fatalf("pages covered %d rows, want 45", len(seen))
	}

	rows, err := store.MessagesBefore(ctx, "r1", cursor, 20)
	if err != nil {
		t.Fatalf("terminal page: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected empty page past the oldest row, got %d", len(rows))
	}
}

func TestMessagesBeforeScopedToRoom(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnsureRoom(t, store, "r1")
	mustEnsureRoom(t, store, "r2")

	if _, err := store.InsertMessage(ctx, storedMsg("a1", "r1", "alice", "x", 1000)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.InsertMessage(ctx, storedMsg("b1", "r2", "bob", "y", 2000)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := store.MessagesBefore(ctx, "r1", nil, 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "a1" {
		t.Fatalf("expected only r1 rows, got %+v", rows)
	}
}

func TestUpsertReadPointerMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnsureRoom(t, store, "r1")
	now := time.Now()

	updated, err := store.UpsertReadPointer(ctx, "r1", "bob", internal.MessageKey{CreatedAt: 500, ID: "m5"}, now)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !updated {
		t.Fatalf("first upsert should write")
	}

	// stale pointer must be rejected by the SQL guard
	updated, err = store.UpsertReadPointer(ctx, "r1", "bob", internal.MessageKey{CreatedAt: 300, ID: "m3"}, now)
	if err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	if updated {
		t.Fatalf("stale pointer must not overwrite")
	}

	pointers, err := store.ReadPointers(ctx, "r1")
	if err != nil {
		t.Fatalf("read pointers: %v", err)
	}
	if got := pointers["bob"]; got.ID != "m5" {
		t.Fatalf("pointer regressed to %+v", got)
	}

	// equal timestamp, later id advances
	updated, err = store.UpsertReadPointer(ctx, "r1", "bob", internal.MessageKey{CreatedAt: 500, ID: "m6"}, now)
	if err != nil {
		t.Fatalf("tie upsert: %v", err)
	}
	if !updated {
		t.Fatalf("same timestamp with a later id should advance")
	}

	// re-upserting the identical key is a no-op
	updated, err = store.UpsertReadPointer(ctx, "r1", "bob", internal.MessageKey{CreatedAt: 500, ID: "m6"}, now)
	if err != nil {
		t.Fatalf("repeat upsert: %v", err)
	}
	if updated {
		t.Fatalf("identical pointer must report no change")
	}
}

func TestTypingEntriesExpireAtReadTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustEnsureRoom(t, store, "r1")
	now := time.Now()

	if err := store.UpsertTyping(ctx, "r1", "bob", now.Add(5*time.Second)); err != nil {
		t.Fatalf("upsert typing: %v", err)
	}
	if err := store.UpsertTyping(ctx, "r1", "carol", now.Add(-time.Second)); err != nil {
		t.Fatalf("upsert typing: %v", err)
	}

	users, err := store.ActiveTypers(ctx, "r1", now)
	if err != nil {
		t.Fatalf("active typers: %v", err)
	}
	if len(users) != 1 || users[0] != "bob" {
		t.Fatalf("expected only bob active, got %v", users)
	}

	// the row survives past its TTL until a sweep; reads still exclude it
	users, err = store.ActiveTypers(ctx, "r1", now.Add(6*time.Second))
	if err != nil {
		t.Fatalf("active typers: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected no active typers after TTL, got %v", users)
	}

	purged, err := store.PurgeExpiredTyping(ctx, now.Add(6*time.Second))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged rows, got %d", purged)
	}

	if err := store.ClearTyping(ctx, "r1", "bob"); err != nil {
		t.Fatalf("clear absent entry: %v", err)
	}
}
