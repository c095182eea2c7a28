package clientqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Entry states. A dispatched entry leaves the store immediately, so only
// pending and dispatch-attempted are ever persisted.
const (
	StatePending    = "pending"
	StateAttempted  = "dispatch-attempted"
	StateDispatched = "dispatched"
)

// ErrNotFound reports an update against an entry that no longer exists,
// usually because eviction got there first.
var ErrNotFound = errors.New("queue entry not found")

// Entry is one captured envelope awaiting delivery.
type Entry struct {
	ID         string
	Envelope   json.RawMessage
	State      string
	Attempts   int
	LastError  string
	EnqueuedAt time.Time
}

// Store persists queue entries in enqueue order.
type Store interface {
	Enqueue(ctx context.Context, e Entry) error
	// List returns every stored entry, oldest first.
	List(ctx context.Context) ([]Entry, error)
	Update(ctx context.Context, e Entry) error
	// Delete is a no-op for an unknown id.
	Delete(ctx context.Context, id string) error
	// Evict drops entries enqueued before cutoff, then the oldest entries
	// beyond maxEntries. A zero cutoff disables the age bound, maxEntries
	// <= 0 the count bound. Returns the number dropped.
	Evict(ctx context.Context, maxEntries int, cutoff time.Time) (int, error)
	Len(ctx context.Context) (int, error)
	Close() error
}
