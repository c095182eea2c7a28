package deadletter

import (
	"context"
	"log"

	"conduit/pkg/dispatch"
	"conduit/pkg/envelope"
	"conduit/pkg/handler"
	"conduit/pkg/idempotency"
)

// Retrier re-dispatches dead-lettered envelopes under their original
// idempotency key. The idempotency record stays authoritative: a completed
// success is served from cache and resolves the entry, a cached terminal
// failure is served as-is, and only retryable failures are invalidated and
// re-run.
type Retrier struct {
	Store      Store
	Idem       idempotency.Store
	Dispatcher *dispatch.Dispatcher

	// Resolve maps an entry's action/source to its handler, or reports a
	// policy rejection if the allowlist changed since capture.
	Resolve func(action, source string) (handler.Handler, *envelope.ErrorDetail)
}

// Retry re-dispatches the entry with the given id and returns the Result.
// An error is returned only for store failures; dispatch outcomes, cached or
// fresh, arrive as the Result.
func (r *Retrier) Retry(ctx context.Context, id string) (envelope.Result, error) {
	entry, err := r.Store.Get(ctx, id)
	if err != nil {
		return envelope.Result{}, err
	}
	env := &entry.Envelope

	// Two rounds: one Invalidate of a cached retryable failure, then a fresh
	// claim. A second conflict means someone else is already retrying.
	for round := 0; round < 2; round++ {
		resv, err := r.Idem.Reserve(ctx, env.IdempotencyKey)
		if err != nil {
			return envelope.Result{}, err
		}
		switch {
		case !resv.AlreadyExists:
			return r.redispatch(ctx, entry)
		case resv.InFlight:
			return pendingResult(env), nil
		case resv.Result != nil && resv.Result.Success:
			// The original dispatch did complete; the entry is stale.
			if err := r.Store.MarkResolved(ctx, id); err != nil {
				log.Printf("deadletter: resolve entry %s: %v", id, err)
			}
			out := *resv.Result
			out.Metadata.Cached = true
			return out, nil
		case resv.Result != nil && resv.Result.Error != nil && resv.Result.Error.Retryable:
			if err := r.Idem.Invalidate(ctx, env.IdempotencyKey); err != nil {
				return envelope.Result{}, err
			}
		default:
			// Cached terminal failure stays authoritative until its record
			// expires; do not re-invoke the handler.
			if err := r.Store.MarkRetried(ctx, id); err != nil {
				log.Printf("deadletter: mark retried %s: %v", id, err)
			}
			out := *resv.Result
			out.Metadata.Cached = true
			return out, nil
		}
	}
	return pendingResult(env), nil
}

func (r *Retrier) redispatch(ctx context.Context, entry Entry) (envelope.Result, error) {
	env := &entry.Envelope
	h, det := r.Resolve(env.Action, env.Source)
	if det != nil {
		// Allowlist changed since capture. Free the claim and surface the
		// policy failure; the entry stays pending for inspection.
		if err := r.Idem.Release(ctx, env.IdempotencyKey); err != nil {
			log.Printf("deadletter: release key %s: %v", env.IdempotencyKey, err)
		}
		return envelope.FailureResult(env, *det), nil
	}
	res := r.Dispatcher.Run(ctx, env, h)
	if res.Success {
		if err := r.Store.MarkResolved(ctx, entry.ID); err != nil {
			log.Printf("deadletter: resolve entry %s: %v", entry.ID, err)
		}
	}
	// On failure the dispatcher re-captured the key, which bumped RetryCount.
	return res, nil
}

// SweepStats summarizes one scheduled pass over the pending set.
type SweepStats struct {
	Scanned  int
	Resolved int
	Failed   int
}

// Sweep retries every pending entry, oldest first.
func (r *Retrier) Sweep(ctx context.Context, limit int) SweepStats {
	var stats SweepStats
	entries, err := r.Store.ListPending(ctx, limit)
	if err != nil {
		log.Printf("deadletter: sweep list: %v", err)
		return stats
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return stats
		}
		stats.Scanned++
		res, err := r.Retry(ctx, e.ID)
		if err != nil {
			stats.Failed++
			log.Printf("deadletter: sweep retry %s: %v", e.ID, err)
			continue
		}
		if res.Success {
			stats.Resolved++
		} else {
			stats.Failed++
		}
	}
	return stats
}

func pendingResult(env *envelope.Envelope) envelope.Result {
	return envelope.FailureResult(env, envelope.ErrorDetail{
		Code:      idempotency.CodePending,
		Message:   "a dispatch for this idempotency key is in flight",
		Retryable: true,
	})
}
