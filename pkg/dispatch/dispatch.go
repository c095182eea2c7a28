package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"conduit/pkg/envelope"
	"conduit/pkg/handler"
	"conduit/pkg/idempotency"
	"conduit/pkg/stream"
)

// Codes produced by the dispatcher itself. Handler-originated codes pass
// through unchanged.
const (
	CodeHandlerTimeout = "HANDLER_TIMEOUT"
	CodeHandlerError   = "HANDLER_ERROR"
	CodeCancelled      = "DISPATCH_CANCELLED"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultAttempts      = 3
	DefaultBackoffBase   = 500 * time.Millisecond
	DefaultBackoffFactor = 2
)

// Recorder receives envelopes whose dispatch ended in failure.
type Recorder interface {
	Capture(ctx context.Context, env *envelope.Envelope, det envelope.ErrorDetail) error
}

// Dispatcher runs a Handler under a per-attempt deadline, retries retryable
// failures with exponential backoff, and settles the idempotency record with
// the final Result. Final failures go to the Recorder, success or not the
// caller always gets a well-formed Result back.
type Dispatcher struct {
	Timeout       time.Duration
	Attempts      int
	BackoffBase   time.Duration
	BackoffFactor int

	Store    idempotency.Store
	Recorder Recorder
	Events   *stream.Hub

	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

func New(store idempotency.Store, rec Recorder, events *stream.Hub) *Dispatcher {
	return &Dispatcher{
		Timeout:       DefaultTimeout,
		Attempts:      DefaultAttempts,
		BackoffBase:   DefaultBackoffBase,
		BackoffFactor: DefaultBackoffFactor,
		Store:         store,
		Recorder:      rec,
		Events:        events,
		sleep:         sleepContext,
		now:           time.Now,
	}
}

// Run executes h for env and returns the settled Result. ExecutionTimeMs
// covers the whole dispatch including backoff between attempts.
func (d *Dispatcher) Run(ctx context.Context, env *envelope.Envelope, h handler.Handler) envelope.Result {
	start := d.clock()()
	attempts := d.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var data json.RawMessage
	var det *envelope.ErrorDetail
	for attempt := 1; attempt <= attempts; attempt++ {
		data, det = d.attempt(ctx, env, h)
		if det == nil || !det.Retryable || attempt == attempts {
			break
		}
		if err := d.sleepFn()(ctx, d.backoff(attempt)); err != nil {
			// Caller gone; stop retrying and settle with the last failure.
			break
		}
	}
	took := d.clock()().Sub(start).Milliseconds()

	var res envelope.Result
	if det == nil {
		res = envelope.SuccessResult(env, data)
	} else {
		res = envelope.FailureResult(env, *det)
	}
	res.Metadata.ExecutionTimeMs = took

	// Caller cancellation is not a handler outcome: nothing terminal is
	// known, so neither cache it nor dead-letter it. The in-flight
	// reservation expires on its own and a retry starts clean.
	if det != nil && det.Code == CodeCancelled {
		d.publish(stream.TypeDispatch, env, res)
		return res
	}

	if d.Store != nil && env.IdempotencyKey != "" {
		if err := d.Store.Complete(ctx, env.IdempotencyKey, res); err != nil {
			log.Printf("dispatch: complete record key=%s: %v", env.IdempotencyKey, err)
		}
	}
	if det != nil && d.Recorder != nil {
		if err := d.Recorder.Capture(ctx, env, *det); err != nil {
			log.Printf("dispatch: capture dead letter key=%s: %v", env.IdempotencyKey, err)
		} else {
			d.publish(stream.TypeDeadLetter, env, res)
		}
	}
	d.publish(stream.TypeDispatch, env, res)
	return res
}

func (d *Dispatcher) attempt(ctx context.Context, env *envelope.Envelope, h handler.Handler) (json.RawMessage, *envelope.ErrorDetail) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := h.Execute(attemptCtx, handler.Request{
		Action:  env.Action,
		Payload: env.Payload,
		Target:  env.Target,
		Context: env.Context,
	})
	if err == nil {
		return data, nil
	}
	return nil, classify(err)
}

// classify normalizes handler errors into the wire error shape. Handlers
// that produce *handler.Error own their retryable flag; a blown deadline is
// retryable; caller cancellation says nothing about the handler at all;
// anything else is terminal.
func classify(err error) *envelope.ErrorDetail {
	if hErr, ok := handler.AsError(err); ok {
		return &envelope.ErrorDetail{Code: hErr.Code, Message: hErr.Message, Retryable: hErr.Retryable}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &envelope.ErrorDetail{Code: CodeHandlerTimeout, Message: "handler did not respond in time", Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return &envelope.ErrorDetail{Code: CodeCancelled, Message: "dispatch cancelled by caller", Retryable: true}
	}
	return &envelope.ErrorDetail{Code: CodeHandlerError, Message: err.Error(), Retryable: false}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	b := d.BackoffBase
	if b <= 0 {
		b = DefaultBackoffBase
	}
	factor := d.BackoffFactor
	if factor < 1 {
		factor = DefaultBackoffFactor
	}
	for i := 1; i < attempt; i++ {
		b *= time.Duration(factor)
	}
	return b
}

func (d *Dispatcher) publish(eventType string, env *envelope.Envelope, res envelope.Result) {
	if d.Events == nil {
		return
	}
	evt := stream.DispatchEvent{
		Action:         env.Action,
		Source:         env.Source,
		IdempotencyKey: env.IdempotencyKey,
		CorrelationID:  env.CorrelationID,
		Success:        res.Success,
		Cached:         res.Metadata.Cached,
		TookMs:         res.Metadata.ExecutionTimeMs,
	}
	if res.Error != nil {
		evt.ErrorCode = res.Error.Code
		evt.Retryable = res.Error.Retryable
	}
	d.Events.Publish(stream.NewEvent(eventType, evt))
}

func (d *Dispatcher) clock() func() time.Time {
	if d.now != nil {
		return d.now
	}
	return time.Now
}

func (d *Dispatcher) sleepFn() func(context.Context, time.Duration) error {
	if d.sleep != nil {
		return d.sleep
	}
	return sleepContext
}

func sleepContext(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
