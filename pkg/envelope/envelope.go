package envelope

import (
	"encoding/json"
	"strings"
	"time"
)

// Version is the single supported protocol version. Envelopes carrying
// any other value are rejected, never coerced.
const Version = "1.0"

// Known client sources.
const (
	SourceBrowserExtension = "browser-extension"
	SourceCLI              = "cli"
	SourceDesktopTool      = "desktop-tool-client"
	SourceInternal         = "internal"
	SourceDirectAPI        = "direct-api"
)

// KnownSources lists every client kind the router accepts, in a stable order.
func KnownSources() []string {
	return []string{
		SourceBrowserExtension,
		SourceCLI,
		SourceDesktopTool,
		SourceInternal,
		SourceDirectAPI,
	}
}

// Envelope is the unit of work: a versioned action request from one of the
// client surfaces.
type Envelope struct {
	Version        string          `json:"version"`
	Action         string          `json:"action"`
	Source         string          `json:"source"`
	Timestamp      string          `json:"timestamp,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Target         json.RawMessage `json:"target,omitempty"`

	// KeyGenerated is set when the idempotency key was backfilled by the
	// router rather than supplied by the client. Not part of the wire shape;
	// surfaced through Result metadata.
	KeyGenerated bool `json:"-"`
}

// Family returns the action family, the part before the dot.
// "github.issue_create" -> "github".
func (e *Envelope) Family() string {
	if i := strings.IndexByte(e.Action, '.'); i > 0 {
		return e.Action[:i]
	}
	return e.Action
}

// ErrorDetail describes a failed outcome. Retryable reports whether the same
// envelope may succeed if submitted again.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Metadata rides along with every Result.
type Metadata struct {
	ExecutionTimeMs int64 `json:"executionTimeMs"`
	Cached          bool  `json:"cached"`
	GeneratedKey    bool  `json:"generatedKey,omitempty"`
}

// Result is the normalized outcome returned for every routed envelope,
// success or not.
type Result struct {
	Success        bool            `json:"success"`
	Timestamp      string          `json:"timestamp"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          *ErrorDetail    `json:"error,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// Success builds a successful Result for env carrying data.
func SuccessResult(env *Envelope, data json.RawMessage) Result {
	return Result{
		Success:        true,
		Timestamp:      nowFn().UTC().Format(time.RFC3339),
		CorrelationID:  env.CorrelationID,
		IdempotencyKey: env.IdempotencyKey,
		Data:           data,
		Metadata:       Metadata{GeneratedKey: env.KeyGenerated},
	}
}

// FailureResult builds a failed Result for env carrying det.
func FailureResult(env *Envelope, det ErrorDetail) Result {
	return Result{
		Success:        false,
		Timestamp:      nowFn().UTC().Format(time.RFC3339),
		CorrelationID:  env.CorrelationID,
		IdempotencyKey: env.IdempotencyKey,
		Error:          &det,
		Metadata:       Metadata{GeneratedKey: env.KeyGenerated},
	}
}

// RejectResult builds a failed Result for requests that never produced a
// usable envelope (malformed body, bad signature).
func RejectResult(det ErrorDetail) Result {
	return Result{
		Success:   false,
		Timestamp: nowFn().UTC().Format(time.RFC3339),
		Error:     &det,
	}
}
