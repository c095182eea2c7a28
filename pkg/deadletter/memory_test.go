package deadletter

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"conduit/pkg/envelope"
)

func captureEnvelope(key string) *envelope.Envelope {
	return &envelope.Envelope{
		Version:        envelope.Version,
		Action:         "github.issue_create",
		Source:         envelope.SourceCLI,
		IdempotencyKey: key,
		Payload:        json.RawMessage(`{"title":"broken build","token":"sk-secret"}`),
		Context:        json.RawMessage(`{"activeApp":"editor"}`),
	}
}

func TestMemoryCaptureUpsertsByPendingKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	env := captureEnvelope("key-1")

	if err := s.Capture(ctx, env, envelope.ErrorDetail{Code: "HANDLER_TIMEOUT", Retryable: true}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := s.Capture(ctx, env, envelope.ErrorDetail{Code: "HANDLER_UNREACHABLE", Retryable: true}); err != nil {
		t.Fatalf("recapture: %v", err)
	}

	pending, err := s.ListPending(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly one pending entry per key, got %d", len(pending))
	}
	e := pending[0]
	if e.RetryCount != 1 {
		t.Fatalf("recapture should bump retry count, got %d", e.RetryCount)
	}
	if e.Error.Code != "HANDLER_UNREACHABLE" {
		t.Fatalf("recapture should keep the latest error, got %q", e.Error.Code)
	}
	if e.Envelope.Action != "github.issue_create" {
		t.Fatalf("entry must preserve the envelope, got %+v", e.Envelope)
	}
}

func TestMemoryListPendingOrderAndLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	old := timeNow
	step := 0
	timeNow = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}
	defer func() { timeNow = old }()

	for _, key := range []string{"k1", "k2", "k3"} {
		if err := s.Capture(ctx, captureEnvelope(key), envelope.ErrorDetail{Code: "HANDLER_ERROR"}); err != nil {
			t.Fatalf("capture %s: %v", key, err)
		}
	}

	pending, err := s.ListPending(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected limit applied, got %d", len(pending))
	}
	if pending[0].IdempotencyKey != "k1" || pending[1].IdempotencyKey != "k2" {
		t.Fatalf("expected oldest first, got %s %s", pending[0].IdempotencyKey, pending[1].IdempotencyKey)
	}
}

func TestMemoryResolveAndRetriedTransitions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Capture(ctx, captureEnvelope("key-1"), envelope.ErrorDetail{Code: "HANDLER_ERROR"}); err != nil {
		t.Fatalf("capture: %v", err)
	}
	pending, _ := s.ListPending(ctx, 0)
	id := pending[0].ID

	if err := s.MarkRetried(ctx, id); err != nil {
		t.Fatalf("mark retried: %v", err)
	}
	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RetryCount != 1 || got.Status != StatusPending {
		t.Fatalf("retried entry should stay pending with count 1, got %+v", got)
	}

	if err := s.MarkResolved(ctx, id); err != nil {
		t.Fatalf("mark resolved: %v", err)
	}
	pending, _ = s.ListPending(ctx, 0)
	if len(pending) != 0 {
		t.Fatalf("resolved entry must leave the pending set, got %d", len(pending))
	}
	got, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get resolved: %v", err)
	}
	if got.Status != StatusResolved {
		t.Fatalf("expected resolved, got %q", got.Status)
	}

	// After resolution the key can dead-letter again as a fresh entry.
	if err := s.Capture(ctx, captureEnvelope("key-1"), envelope.ErrorDetail{Code: "HANDLER_ERROR"}); err != nil {
		t.Fatalf("capture after resolve: %v", err)
	}
	pending, _ = s.ListPending(ctx, 0)
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Fatalf("expected fresh entry after resolve, got %+v", pending)
	}

	if err := s.MarkResolved(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.MarkRetried(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedactEntryHidesContent(t *testing.T) {
	t.Parallel()

	e := Entry{
		ID:             "e-1",
		IdempotencyKey: "key-1",
		Envelope:       *captureEnvelope("key-1"),
		Error:          envelope.ErrorDetail{Code: "HANDLER_ERROR", Message: "boom"},
		Status:         StatusPending,
	}

	red := RedactEntry(e, []byte("salt-1"))
	for name, raw := range map[string]json.RawMessage{
		"payload": red.Envelope.Payload,
		"context": red.Envelope.Context,
	} {
		if strings.Contains(string(raw), "sk-secret") || strings.Contains(string(raw), "activeApp") {
			t.Fatalf("%s content leaked: %s", name, raw)
		}
		if !strings.Contains(string(raw), "digest") {
			t.Fatalf("%s should carry a digest: %s", name, raw)
		}
	}
	// Routing facts stay readable.
	if red.Envelope.Action != "github.issue_create" || red.IdempotencyKey != "key-1" {
		t.Fatalf("routing fields must survive redaction: %+v", red)
	}
	// Original untouched.
	if !strings.Contains(string(e.Envelope.Payload), "sk-secret") {
		t.Fatal("redaction must copy, not mutate")
	}
	// Same input, same salt, same digest; different salt differs.
	again := RedactEntry(e, []byte("salt-1"))
	if string(again.Envelope.Payload) != string(red.Envelope.Payload) {
		t.Fatal("digest must be deterministic for equal salt")
	}
	other := RedactEntry(e, []byte("salt-2"))
	if string(other.Envelope.Payload) == string(red.Envelope.Payload) {
		t.Fatal("digest must depend on salt")
	}

	// Empty sections stay empty rather than gaining a digest.
	e.Envelope.Target = nil
	if got := RedactEntry(e, nil); len(got.Envelope.Target) != 0 {
		t.Fatalf("empty target should stay empty, got %s", got.Envelope.Target)
	}
}
