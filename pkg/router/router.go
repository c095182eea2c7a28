// Package router runs envelopes through the full routing pipeline:
// structural validation, signature verification, per-source rate limiting,
// idempotency reservation, allowlist resolution, payload validation, and
// handler dispatch. Every call produces a well-formed Result, whatever went
// wrong.
package router

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"conduit/pkg/dispatch"
	"conduit/pkg/envelope"
	"conduit/pkg/idempotency"
	"conduit/pkg/metrics"
	"conduit/pkg/ratelimit"
	"conduit/pkg/route"
	"conduit/pkg/sign"
)

const (
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL_ERROR"
)

// Duplicate-in-flight handling: how long a duplicate waits for the original
// dispatch to settle before answering PENDING.
const (
	DefaultWaitInFlight = 2 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

type Router struct {
	// Secret signs request bodies. Empty disables verification; New logs
	// that state once so it can never be silent in production.
	Secret []byte

	Idem       idempotency.Store
	Table      *route.Table
	Schemas    *route.SchemaSet
	Dispatcher *dispatch.Dispatcher

	// Limiter caps requests per source per window when SourceLimit > 0.
	Limiter     ratelimit.Limiter
	SourceLimit int

	Metrics *metrics.Registry

	// WaitInFlight < 0 disables waiting; 0 means DefaultWaitInFlight.
	WaitInFlight time.Duration
	PollInterval time.Duration

	sleep func(context.Context, time.Duration) error
}

func New(secret []byte, idem idempotency.Store, table *route.Table, schemas *route.SchemaSet, d *dispatch.Dispatcher) *Router {
	if !sign.Enabled(secret) {
		log.Printf("router: no signing secret configured, request authentication DISABLED")
	}
	return &Router{
		Secret:     secret,
		Idem:       idem,
		Table:      table,
		Schemas:    schemas,
		Dispatcher: d,
	}
}

// Route processes one raw request body and returns the Result plus the HTTP
// status to serve it with. Handler failures are 200s carrying error details;
// a non-200 status means the envelope never reached a handler.
func (rt *Router) Route(ctx context.Context, body []byte, sigHeader string) (envelope.Result, int) {
	env, verr := envelope.Validate(body)
	if verr != nil {
		rt.incCode(verr.Code)
		rt.incOutcome("rejected")
		return envelope.RejectResult(verr.Detail()), http.StatusBadRequest
	}
	rt.incSource(env.Source)

	// Authenticate before rate limiting: the source field is client-claimed
	// until the signature checks out, and an unsigned flood must not be able
	// to spend a legitimate source's window.
	if sign.Enabled(rt.Secret) {
		if err := sign.Verify(rt.Secret, body, sigHeader); err != nil {
			rt.incCode(CodeInvalidSignature)
			rt.incOutcome("rejected")
			det := envelope.ErrorDetail{
				Code:      CodeInvalidSignature,
				Message:   "request signature missing or mismatched",
				Retryable: false,
			}
			return envelope.FailureResult(env, det), http.StatusUnauthorized
		}
	}

	if rt.Limiter != nil && rt.SourceLimit > 0 {
		if d := rt.Limiter.Allow("source:"+env.Source, rt.SourceLimit); !d.Allowed {
			rt.incCode(CodeRateLimited)
			rt.incOutcome("rejected")
			det := envelope.ErrorDetail{
				Code:      CodeRateLimited,
				Message:   fmt.Sprintf("source %q exceeded %d requests per window", env.Source, d.Limit),
				Retryable: true,
			}
			return envelope.FailureResult(env, det), http.StatusTooManyRequests
		}
	}

	resv, err := rt.reserve(ctx, env.IdempotencyKey)
	if err != nil {
		log.Printf("router: reserve key=%s: %v", env.IdempotencyKey, err)
		rt.incCode(CodeInternal)
		rt.incOutcome("failure")
		det := envelope.ErrorDetail{
			Code:      CodeInternal,
			Message:   "idempotency store unavailable",
			Retryable: true,
		}
		return envelope.FailureResult(env, det), http.StatusInternalServerError
	}
	if resv.AlreadyExists && resv.Result != nil {
		out := *resv.Result
		out.Metadata.Cached = true
		rt.incOutcome("cached")
		return out, http.StatusOK
	}
	if resv.AlreadyExists && resv.InFlight {
		rt.incOutcome("pending")
		det := envelope.ErrorDetail{
			Code:      idempotency.CodePending,
			Message:   "a dispatch for this idempotency key is in flight",
			Retryable: true,
		}
		return envelope.FailureResult(env, det), http.StatusOK
	}

	h, rej := rt.Table.Resolve(env.Action, env.Source)
	if rej != nil {
		rt.release(ctx, env.IdempotencyKey)
		rt.incCode(rej.Code)
		rt.incOutcome("rejected")
		return envelope.FailureResult(env, rej.Detail()), http.StatusForbidden
	}

	if rt.Schemas != nil {
		if rej := rt.Schemas.Validate(env.Action, env.Payload); rej != nil {
			rt.release(ctx, env.IdempotencyKey)
			rt.incCode(rej.Code)
			rt.incOutcome("rejected")
			return envelope.FailureResult(env, rej.Detail()), http.StatusBadRequest
		}
	}

	res := rt.Dispatcher.Run(ctx, env, h)
	if res.Success {
		rt.incOutcome("success")
	} else {
		rt.incOutcome("failure")
		if res.Error != nil {
			rt.incCode(res.Error.Code)
		}
	}
	if rt.Metrics != nil {
		rt.Metrics.IncActionOutcome(env.Action, outcomeLabel(res))
		rt.Metrics.ObserveDispatchLatency(time.Duration(res.Metadata.ExecutionTimeMs) * time.Millisecond)
	}
	return res, http.StatusOK
}

// reserve claims the key, polling briefly when a duplicate finds the
// original still in flight so short races return the cached Result instead
// of PENDING.
func (rt *Router) reserve(ctx context.Context, key string) (idempotency.Reservation, error) {
	resv, err := rt.Idem.Reserve(ctx, key)
	if err != nil || !resv.InFlight {
		return resv, err
	}
	wait := rt.WaitInFlight
	if wait == 0 {
		wait = DefaultWaitInFlight
	}
	interval := rt.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for polls := int(wait / interval); polls > 0; polls-- {
		if err := rt.sleepFn()(ctx, interval); err != nil {
			return resv, nil
		}
		resv, err = rt.Idem.Reserve(ctx, key)
		if err != nil || !resv.InFlight {
			return resv, err
		}
	}
	return resv, nil
}

func (rt *Router) release(ctx context.Context, key string) {
	if err := rt.Idem.Release(ctx, key); err != nil {
		log.Printf("router: release key=%s: %v", key, err)
	}
}

func outcomeLabel(res envelope.Result) string {
	if res.Success {
		return "success"
	}
	return "failure"
}

func (rt *Router) incOutcome(outcome string) {
	if rt.Metrics != nil {
		rt.Metrics.IncOutcome(outcome)
	}
}

func (rt *Router) incCode(code string) {
	if rt.Metrics != nil {
		rt.Metrics.IncErrorCode(code)
	}
}

func (rt *Router) incSource(source string) {
	if rt.Metrics != nil {
		rt.Metrics.IncSource(source)
	}
}

func (rt *Router) sleepFn() func(context.Context, time.Duration) error {
	if rt.sleep != nil {
		return rt.sleep
	}
	return func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
}
