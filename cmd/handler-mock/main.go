package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"conduit/pkg/httpx"
	"conduit/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runHandlerMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// mockDirective scripts the mock's behavior per request. Clients embed it in
// the payload under "mock"; anything else in the payload is echoed back.
//
//	{"mock": {"status": 503, "code": "UPSTREAM_DOWN", "retryable": true,
//	          "latencyMs": 250, "failFirst": 2, "scenario": "flaky-create"}}
//
// failFirst fails the first N calls sharing a scenario and succeeds after,
// which is how dispatch retry paths get exercised end to end.
type mockDirective struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	LatencyMs int    `json:"latencyMs"`
	FailFirst int    `json:"failFirst"`
	Scenario  string `json:"scenario"`
}

type executeRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
	Target  json.RawMessage `json:"target"`
	Context json.RawMessage `json:"context"`
}

type mockState struct {
	mu    sync.Mutex
	calls map[string]int
}

func newMockState() *mockState {
	return &mockState{calls: make(map[string]int)}
}

// bump returns the 1-based call count for a scenario.
func (s *mockState) bump(scenario string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[scenario]++
	return s.calls[scenario]
}

func (s *mockState) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

func (s *mockState) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMockError(w, http.StatusBadRequest, "BAD_REQUEST", "body is not valid JSON", false)
		return
	}

	dir := directiveFor(req.Payload)
	if dir.LatencyMs > 0 {
		time.Sleep(time.Duration(dir.LatencyMs) * time.Millisecond)
	}

	if dir.Status > 0 && dir.FailFirst > 0 {
		scenario := dir.Scenario
		if scenario == "" {
			scenario = req.Action
		}
		if s.bump(scenario) > dir.FailFirst {
			dir.Status = 0
		}
	}
	if dir.Status > 0 {
		code := dir.Code
		if code == "" {
			code = "MOCK_FAILURE"
		}
		writeMockError(w, dir.Status, code, dir.Message, dir.Retryable)
		return
	}

	echo := map[string]interface{}{
		"status": "ok",
		"action": req.Action,
	}
	if len(req.Payload) > 0 {
		echo["echo"] = req.Payload
	}
	if len(req.Target) > 0 {
		echo["target"] = req.Target
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"data": echo})
}

// directiveFor pulls the mock directive out of the payload. Env vars supply
// defaults so a whole run can be made slow or broken without touching any
// client: MOCK_LATENCY_MS, MOCK_FAIL_STATUS, MOCK_FAIL_CODE.
func directiveFor(payload json.RawMessage) mockDirective {
	dir := mockDirective{
		LatencyMs: envInt("MOCK_LATENCY_MS", 0),
		Status:    envInt("MOCK_FAIL_STATUS", 0),
		Code:      env("MOCK_FAIL_CODE", ""),
		Retryable: envInt("MOCK_FAIL_STATUS", 0) >= 500,
	}
	if len(payload) == 0 {
		return dir
	}
	var wrapper struct {
		Mock *mockDirective `json:"mock"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Mock != nil {
		return *wrapper.Mock
	}
	return dir
}

func writeMockError(w http.ResponseWriter, status int, code, message string, retryable bool) {
	httpx.WriteJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"code":      code,
			"message":   message,
			"retryable": retryable,
		},
	})
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func runHandlerMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "handler-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	state := newMockState()
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("handler-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "handler-mock"})
	})
	r.Post("/execute", state.handleExecute)
	r.Post("/reset", func(w http.ResponseWriter, r *http.Request) {
		state.reset()
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "reset"})
	})

	addr := env("ADDR", ":9090")
	log.Printf("handler-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
