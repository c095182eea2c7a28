package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent(TypeDispatch, DispatchEvent{Action: "github.issue_create", Source: "cli", Success: true, TookMs: 42})
	if evt.Type != TypeDispatch {
		t.Fatalf("expected type %q, got %q", TypeDispatch, evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload DispatchEvent
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Action != "github.issue_create" || !payload.Success || payload.TookMs != 42 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent(TypeRetry, nil))

	select {
	case evt := <-ch:
		if evt.Type != TypeRetry {
			t.Fatalf("expected %q event, got %q", TypeRetry, evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	first := NewEvent(TypeDispatch, nil)
	second := NewEvent(TypeDeadLetter, nil)
	h.Publish(first)
	h.Publish(second)

	select {
	case evt := <-ch:
		if evt.Type != TypeDispatch {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}
