// Package clientqueue persists envelopes a client could not deliver and
// replays them once the router is reachable again. Replay is sequential in
// enqueue order; a network-class failure stops the cycle so order survives
// the next one. Growth is bounded by count and age eviction.
package clientqueue

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"conduit/pkg/envelope"
)

const (
	DefaultMaxEntries    = 500
	DefaultMaxAge        = 72 * time.Hour
	DefaultFlushInterval = 5 * time.Minute
)

// SendFunc delivers one raw envelope body to the router. A transport
// failure returns err != nil; otherwise status is the router's HTTP status
// and res its decoded Result.
type SendFunc func(ctx context.Context, body []byte) (envelope.Result, int, error)

// Queue wraps a Store with the dispatch-or-persist policy. One flush runs
// at a time; Run owns the schedule.
type Queue struct {
	Store Store
	Send  SendFunc

	MaxEntries int           // 0 disables the count bound
	MaxAge     time.Duration // 0 disables the age bound
	FlushEvery time.Duration

	notify chan struct{}
	newID  func() string
	now    func() time.Time
}

func New(st Store, send SendFunc) *Queue {
	return &Queue{
		Store:      st,
		Send:       send,
		MaxEntries: DefaultMaxEntries,
		MaxAge:     DefaultMaxAge,
		FlushEvery: DefaultFlushInterval,
		notify:     make(chan struct{}, 1),
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// FlushStats reports one flush cycle.
type FlushStats struct {
	Dispatched int
	Rejected   int
	Remaining  int
}

// EnqueueOrDispatch tries to deliver body now and falls back to the queue
// on a network-class failure. queued=true means the body is persisted for a
// later flush; otherwise res is the router's answer, 4xx rejections
// included.
func (q *Queue) EnqueueOrDispatch(ctx context.Context, body []byte) (res envelope.Result, queued bool, err error) {
	res, status, sendErr := q.Send(ctx, body)
	if !networkFailure(status, sendErr) {
		return res, false, nil
	}

	e := Entry{
		ID:         q.newID(),
		Envelope:   body,
		State:      StatePending,
		EnqueuedAt: q.now().UTC(),
	}
	if err := q.Store.Enqueue(ctx, e); err != nil {
		return envelope.Result{}, false, fmt.Errorf("queue: enqueue: %w", err)
	}
	q.evict(ctx)
	log.Printf("queue: enqueued %s, send failed: %s", e.ID, sendFailure(status, sendErr))
	return envelope.Result{}, true, nil
}

// Flush replays stored entries oldest first. A delivered or rejected entry
// leaves the store; the first network-class failure marks its entry pending
// again and ends the cycle.
func (q *Queue) Flush(ctx context.Context) (FlushStats, error) {
	q.evict(ctx)
	entries, err := q.Store.List(ctx)
	if err != nil {
		return FlushStats{}, fmt.Errorf("queue: list: %w", err)
	}

	var stats FlushStats
	for i, e := range entries {
		if ctx.Err() != nil {
			stats.Remaining = len(entries) - i
			return stats, ctx.Err()
		}

		e.State = StateAttempted
		e.Attempts++
		if err := q.Store.Update(ctx, e); err != nil {
			log.Printf("queue: mark attempt %s: %v", e.ID, err)
		}

		res, status, sendErr := q.Send(ctx, e.Envelope)
		if networkFailure(status, sendErr) {
			e.State = StatePending
			e.LastError = sendFailure(status, sendErr)
			if err := q.Store.Update(ctx, e); err != nil {
				log.Printf("queue: requeue %s: %v", e.ID, err)
			}
			stats.Remaining = len(entries) - i
			return stats, nil
		}

		if err := q.Store.Delete(ctx, e.ID); err != nil {
			log.Printf("queue: delete %s: %v", e.ID, err)
		}
		if status >= 400 {
			stats.Rejected++
			log.Printf("queue: entry %s rejected with %d (%s), dropped",
				e.ID, status, resultCode(res))
			continue
		}
		stats.Dispatched++
	}
	return stats, nil
}

// Run flushes on a timer and on Notify signals until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	interval := q.FlushEvery
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.notify:
		}
		stats, err := q.Flush(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("queue: flush: %v", err)
			}
			continue
		}
		if stats.Dispatched+stats.Rejected > 0 || stats.Remaining > 0 {
			log.Printf("queue: flushed %d, dropped %d, %d left",
				stats.Dispatched, stats.Rejected, stats.Remaining)
		}
	}
}

// Notify asks the run loop for an immediate flush, typically on a reconnect
// signal. Never blocks; signals during a flush coalesce into one more.
func (q *Queue) Notify() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports how many entries wait in the store.
func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.Store.Len(ctx)
}

func (q *Queue) evict(ctx context.Context) {
	var cutoff time.Time
	if q.MaxAge > 0 {
		cutoff = q.now().UTC().Add(-q.MaxAge)
	}
	n, err := q.Store.Evict(ctx, q.MaxEntries, cutoff)
	if err != nil {
		log.Printf("queue: evict: %v", err)
		return
	}
	if n > 0 {
		log.Printf("queue: evicted %d entries", n)
	}
}

// networkFailure classifies one send. Transport errors and 5xx mean the
// router never owned the envelope, and 429 means it refused to own it yet;
// the router marks its own rate limiting retryable, so dropping the entry
// there would discard work the router said to bring back. Anything else is
// its answer.
func networkFailure(status int, err error) bool {
	return err != nil || status >= 500 || status == http.StatusTooManyRequests
}

func sendFailure(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("status %d", status)
}

func resultCode(res envelope.Result) string {
	if res.Error == nil {
		return ""
	}
	return res.Error.Code
}
