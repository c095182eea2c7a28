package clientqueue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func seedSQLite(t *testing.T, s *SQLiteStore, ids []string) time.Time {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, id := range ids {
		err := s.Enqueue(context.Background(), Entry{
			ID:         id,
			Envelope:   []byte(`{"seq":` + id + `}`),
			State:      StatePending,
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	return base
}

func TestSQLiteRoundTrip(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	seedSQLite(t, s, []string{"1", "2"})

	entries, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "1" || entries[1].ID != "2" {
		t.Fatalf("expected oldest-first [1 2], got %+v", entries)
	}
	if string(entries[0].Envelope) != `{"seq":1}` {
		t.Fatalf("envelope round trip broken: %s", entries[0].Envelope)
	}
	if entries[0].State != StatePending || entries[0].Attempts != 0 {
		t.Fatalf("fresh entry should be pending with no attempts: %+v", entries[0])
	}

	e := entries[0]
	e.State = StateAttempted
	e.Attempts = 1
	e.LastError = "connection refused"
	if err := s.Update(context.Background(), e); err != nil {
		t.Fatalf("update: %v", err)
	}
	entries, _ = s.List(context.Background())
	if entries[0].State != StateAttempted || entries[0].Attempts != 1 || entries[0].LastError != "connection refused" {
		t.Fatalf("update not persisted: %+v", entries[0])
	}

	missing := Entry{ID: "nope", State: StatePending}
	if err := s.Update(context.Background(), missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Delete(context.Background(), "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(context.Background(), "1"); err != nil {
		t.Fatalf("repeated delete must be a no-op: %v", err)
	}
	n, err := s.Len(context.Background())
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	s1, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seedSQLite(t, s1, []string{"1"})
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	entries, err := s2.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "1" {
		t.Fatalf("entry lost across reopen: %+v", entries)
	}
	if string(entries[0].Envelope) != `{"seq":1}` {
		t.Fatalf("envelope lost across reopen: %s", entries[0].Envelope)
	}
}

func TestSQLiteEvict(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	base := seedSQLite(t, s, []string{"1", "2", "3", "4", "5"})

	// Count bound keeps the newest three.
	dropped, err := s.Evict(context.Background(), 3, time.Time{})
	if err != nil {
		t.Fatalf("evict: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	entries, _ := s.List(context.Background())
	if len(entries) != 3 || entries[0].ID != "3" || entries[2].ID != "5" {
		t.Fatalf("expected [3 4 5], got %+v", entries)
	}

	// Age bound drops everything before the cutoff.
	dropped, err = s.Evict(context.Background(), 0, base.Add(4*time.Second))
	if err != nil {
		t.Fatalf("evict by age: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	entries, _ = s.List(context.Background())
	if len(entries) != 1 || entries[0].ID != "5" {
		t.Fatalf("expected only the newest entry, got %+v", entries)
	}

	// Zero bounds leave the store alone.
	dropped, err = s.Evict(context.Background(), 0, time.Time{})
	if err != nil {
		t.Fatalf("evict noop: %v", err)
	}
	if dropped != 0 {
		t.Fatalf("dropped = %d, want 0", dropped)
	}
}

func TestQueueOverSQLite(t *testing.T) {
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	sender := &fakeSender{script: []sendCall{{err: errors.New("offline")}}}
	q := New(s, sender.send)

	body := []byte(`{"action":"ai.summarize","payload":{"content":"test"}}`)
	_, queued, err := q.EnqueueOrDispatch(context.Background(), body)
	if err != nil {
		t.Fatalf("enqueueOrDispatch: %v", err)
	}
	if !queued {
		t.Fatal("expected the envelope to be queued")
	}
	mustLen(t, q, 1)

	stats, err := q.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if stats.Dispatched != 1 {
		t.Fatalf("stats = %+v, want 1 dispatched", stats)
	}
	mustLen(t, q, 0)
}
