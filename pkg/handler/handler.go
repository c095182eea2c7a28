package handler

import (
	"context"
	"encoding/json"
	"errors"
)

// Request carries the action-specific parts of an envelope. Payload has been
// schema-checked by the router; Target and Context pass through untouched.
type Request struct {
	Action  string
	Payload json.RawMessage
	Target  json.RawMessage
	Context json.RawMessage
}

// Handler is the capability interface every external-action collaborator
// implements: perform one action family's real work and return data or a
// classified failure. A Handler never sees an envelope it was not routed.
type Handler interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// Func adapts a plain function to Handler.
type Func func(ctx context.Context, req Request) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Error is a classified Handler failure. Retryable marks transport-class
// trouble where the same call may succeed later; downstream rejections are
// terminal. Handlers that return any other error type are treated as
// terminal by dispatch.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// AsError extracts a classified *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var he *Error
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}
