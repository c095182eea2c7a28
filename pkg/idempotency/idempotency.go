package idempotency

import (
	"context"
	"time"

	"conduit/pkg/envelope"
)

// Record lifetimes. A completed record holds its Result for DefaultTTL, after
// which the key may be reused. An in-flight reservation expires after
// DefaultInFlightTTL so a crashed process can never block a key forever; the
// window must exceed the worst-case dispatch (attempts x timeout + backoff).
const (
	DefaultTTL         = 24 * time.Hour
	DefaultInFlightTTL = 2 * time.Minute
)

// CodePending is the error code returned for a duplicate key whose original
// dispatch is still in flight. Retryable: the caller polls again and gets the
// cached Result once the original completes.
const CodePending = "PENDING"

// Reservation is the outcome of Reserve. Exactly one of three states:
// the key was unseen and the caller now owns dispatch (AlreadyExists=false);
// a concurrent attempt holds it (AlreadyExists=true, InFlight=true); or a
// terminal Result is cached (AlreadyExists=true, Result set).
type Reservation struct {
	AlreadyExists bool
	InFlight      bool
	Result        *envelope.Result
}

// Store is the single synchronization point of the router: for any key, a
// Handler runs at most once while the key's record lives, no matter how many
// duplicates arrive. Reserve must be atomic across concurrent callers.
type Store interface {
	// Reserve atomically claims key or reports its existing state.
	Reserve(ctx context.Context, key string) (Reservation, error)
	// Complete stores the terminal Result under key with the completed TTL.
	// Failed-but-terminal Results are stored too: replaying a non-retryable
	// failure must not re-invoke the Handler.
	Complete(ctx context.Context, key string, res envelope.Result) error
	// Release drops a pending reservation that will not be dispatched
	// (policy or payload rejection after Reserve). The key stays usable.
	Release(ctx context.Context, key string) error
	// Invalidate removes a completed record so a dead-letter retry can
	// re-dispatch under the original key.
	Invalidate(ctx context.Context, key string) error
}
