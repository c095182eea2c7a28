package envelope

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Validation error codes. MISSING_FIELD carries the field name as
// "MISSING_FIELD:<name>" when surfaced.
const (
	CodeInvalidJSON         = "INVALID_JSON"
	CodeMissingField        = "MISSING_FIELD"
	CodeUnsupportedVersion  = "UNSUPPORTED_VERSION"
	CodeInvalidActionFormat = "INVALID_ACTION_FORMAT"
)

var actionRe = regexp.MustCompile(`^[a-z]+\.[a-z_]+$`)

// Swappable for tests.
var (
	nowFn    = time.Now
	newKeyFn = uuid.NewString
)

// ValidationError reports why a raw body failed envelope validation.
type ValidationError struct {
	Code  string
	Field string // set for MISSING_FIELD
}

func (e *ValidationError) Error() string {
	if e.Code == CodeMissingField && e.Field != "" {
		return e.Code + ":" + e.Field
	}
	return e.Code
}

// Detail converts the validation failure into the wire error shape.
// Validation errors are client input errors and never retryable.
func (e *ValidationError) Detail() ErrorDetail {
	return ErrorDetail{
		Code:      e.Error(),
		Message:   e.message(),
		Retryable: false,
	}
}

func (e *ValidationError) message() string {
	switch e.Code {
	case CodeInvalidJSON:
		return "request body is not a JSON object"
	case CodeMissingField:
		return fmt.Sprintf("required field %q is missing", e.Field)
	case CodeUnsupportedVersion:
		return fmt.Sprintf("unsupported envelope version, expected %q", Version)
	case CodeInvalidActionFormat:
		return "action must match resource.operation (lowercase, single dot)"
	default:
		return "invalid envelope"
	}
}

// Validate parses and validates a raw request body into an Envelope.
// Rules apply in order and the first failure wins: the body must be a JSON
// object; version, action and source must be present; version must equal the
// supported constant; action must match resource.operation. A missing
// timestamp or idempotency key is backfilled rather than rejected, but a
// generated key means retries of the same logical action can no longer be
// deduplicated, so the backfill is flagged on the returned Envelope.
// No side effects beyond the backfill.
func Validate(raw []byte) (*Envelope, *ValidationError) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, &ValidationError{Code: CodeInvalidJSON}
	}
	for _, name := range []string{"version", "action", "source"} {
		if !fieldPresent(fields[name]) {
			return nil, &ValidationError{Code: CodeMissingField, Field: name}
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ValidationError{Code: CodeInvalidJSON}
	}
	if env.Version != Version {
		return nil, &ValidationError{Code: CodeUnsupportedVersion}
	}
	if !actionRe.MatchString(env.Action) {
		return nil, &ValidationError{Code: CodeInvalidActionFormat}
	}

	if env.Timestamp == "" {
		env.Timestamp = nowFn().UTC().Format(time.RFC3339)
	}
	if env.IdempotencyKey == "" {
		env.IdempotencyKey = newKeyFn()
		env.KeyGenerated = true
	}
	return &env, nil
}

// fieldPresent treats absent, JSON null and the empty string as missing.
func fieldPresent(v json.RawMessage) bool {
	if len(v) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s != ""
	}
	return string(v) != "null"
}
