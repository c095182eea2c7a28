// Package deadletter preserves terminally failed dispatches for inspection
// and out-of-band retry. Entries are never auto-deleted; they leave the
// pending set only when a retry succeeds or an operator resolves them.
package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"conduit/pkg/envelope"
)

const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
)

var ErrNotFound = errors.New("deadletter: entry not found")

var (
	newID   = uuid.NewString
	timeNow = time.Now
)

// Entry is one captured failure. The envelope is stored whole so a retry can
// re-dispatch it under the original idempotency key.
type Entry struct {
	ID             string               `json:"id"`
	IdempotencyKey string               `json:"idempotencyKey"`
	Envelope       envelope.Envelope    `json:"envelope"`
	Error          envelope.ErrorDetail `json:"error"`
	Status         string               `json:"status"`
	RetryCount     int                  `json:"retryCount"`
	CapturedAt     time.Time            `json:"capturedAt"`
}

// Store holds dead letters. At most one pending entry exists per idempotency
// key: capturing an already-pending key updates the error and bumps
// RetryCount instead of inserting a second entry.
type Store interface {
	Capture(ctx context.Context, env *envelope.Envelope, det envelope.ErrorDetail) error
	// ListPending returns pending entries oldest first. limit <= 0 means no limit.
	ListPending(ctx context.Context, limit int) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	MarkResolved(ctx context.Context, id string) error
	// MarkRetried bumps RetryCount without changing status, for retries that
	// were answered from the idempotency cache instead of a fresh dispatch.
	MarkRetried(ctx context.Context, id string) error
}
