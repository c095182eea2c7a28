package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"
)

// Failure codes for remote handler calls.
const (
	CodeUnreachable = "HANDLER_UNREACHABLE" // transport error, retryable
	CodeUnavailable = "HANDLER_UNAVAILABLE" // 5xx, retryable
	CodeRejected    = "HANDLER_REJECTED"    // 4xx, terminal
)

// HTTP invokes a remote handler service. One attempt per call; inline retry
// is the dispatcher's job, so a retrying client here would multiply it.
//
// Wire contract: POST {action, payload, target, context}; 2xx with
// {"data": ...} on success, any failure status with
// {"error": {code, message, retryable}} when the service can say more.
type HTTP struct {
	Client   *http.Client
	Endpoint string
	Headers  map[string]string
}

type httpHandlerRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Target  json.RawMessage `json:"target,omitempty"`
	Context json.RawMessage `json:"context,omitempty"`
}

type httpHandlerResponse struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error,omitempty"`
}

func (h *HTTP) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	if h.Endpoint == "" {
		return nil, errors.New("handler endpoint is empty")
	}
	body, err := json.Marshal(httpHandlerRequest{
		Action:  req.Action,
		Payload: req.Payload,
		Target:  req.Target,
		Context: req.Context,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range h.Headers {
		httpReq.Header.Set(k, v)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Code: CodeUnreachable, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Code: CodeUnreachable, Message: err.Error(), Retryable: true}
	}

	var parsed httpHandlerResponse
	_ = json.Unmarshal(respBody, &parsed)

	switch {
	case resp.StatusCode < 300:
		if parsed.Data != nil {
			return parsed.Data, nil
		}
		if len(respBody) == 0 {
			return nil, nil
		}
		return respBody, nil
	case resp.StatusCode >= 500:
		if parsed.Error != nil {
			return nil, &Error{Code: parsed.Error.Code, Message: parsed.Error.Message, Retryable: parsed.Error.Retryable}
		}
		return nil, &Error{Code: CodeUnavailable, Message: resp.Status, Retryable: true}
	default:
		if parsed.Error != nil {
			return nil, &Error{Code: parsed.Error.Code, Message: parsed.Error.Message, Retryable: parsed.Error.Retryable}
		}
		return nil, &Error{Code: CodeRejected, Message: resp.Status, Retryable: false}
	}
}
