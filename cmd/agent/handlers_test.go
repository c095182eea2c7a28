package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"conduit/pkg/client"
	"conduit/pkg/clientqueue"
	"conduit/pkg/envelope"
	"conduit/pkg/httpx"
	"conduit/pkg/metrics"
	"conduit/pkg/sign"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// routerStub plays the router end of the wire: a scriptable /route endpoint
// that records every envelope body and signature it sees.
type routerStub struct {
	mu     sync.Mutex
	mode   string // "ok", "down", "reject"
	calls  int
	bodies [][]byte
	sigs   []string
	srv    *httptest.Server
}

func newRouterStub(t *testing.T) *routerStub {
	t.Helper()
	rs := &routerStub{mode: "ok"}
	rs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/route" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.calls++
		rs.bodies = append(rs.bodies, body)
		rs.sigs = append(rs.sigs, r.Header.Get(sign.Header))
		mode := rs.mode
		rs.mu.Unlock()

		var env envelope.Envelope
		_ = json.Unmarshal(body, &env)
		switch mode {
		case "down":
			httpx.Error(w, http.StatusServiceUnavailable, "router unavailable")
		case "reject":
			httpx.WriteJSON(w, http.StatusForbidden, envelope.FailureResult(&env, envelope.ErrorDetail{
				Code:      "ACTION_NOT_ALLOWED",
				Message:   "no rule for action",
				Retryable: false,
			}))
		default:
			httpx.WriteJSON(w, http.StatusOK, envelope.SuccessResult(&env, json.RawMessage(`{"stored":true}`)))
		}
	}))
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *routerStub) set(mode string) {
	rs.mu.Lock()
	rs.mode = mode
	rs.mu.Unlock()
}

func (rs *routerStub) callCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.calls
}

func (rs *routerStub) lastBody() []byte {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.bodies) == 0 {
		return nil
	}
	return rs.bodies[len(rs.bodies)-1]
}

func (rs *routerStub) lastSig() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.sigs) == 0 {
		return ""
	}
	return rs.sigs[len(rs.sigs)-1]
}

func (rs *routerStub) lastEnvelope(t *testing.T) envelope.Envelope {
	t.Helper()
	var env envelope.Envelope
	if err := json.Unmarshal(rs.lastBody(), &env); err != nil {
		t.Fatalf("decode submitted envelope: %v body=%s", err, rs.lastBody())
	}
	return env
}

// newTestAgent wires an Agent against rs with an in-memory queue, plus the
// same route table runAgent builds.
func newTestAgent(t *testing.T, rs *routerStub) (*Agent, http.Handler) {
	t.Helper()
	cfg := testAgentConfig()
	cfg.RouterURL = rs.srv.URL

	cl := client.New(cfg.RouterURL, cfg.RequestTimeout)
	cl.Secret = []byte(cfg.Secret)
	q := clientqueue.New(clientqueue.NewMemoryStore(), cl.Route)
	q.MaxEntries = cfg.MaxEntries
	q.MaxAge = cfg.MaxAge
	q.FlushEvery = cfg.FlushInterval
	a := &Agent{Config: cfg, Queue: q, Client: cl, Metrics: metrics.NewRegistry()}

	r := chi.NewRouter()
	r.Use(a.metricsMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "agent"})
	})
	r.Post("/route", a.handleRoute)
	r.Post("/capture", a.handleCapture)
	r.Post("/v1/capture", a.handleCapture)
	r.Get("/v1/queue", a.handleQueueStatus)
	r.Post("/v1/queue/flush", a.handleQueueFlush)
	return a, r
}

func postJSON(mux http.Handler, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestHandleCaptureDispatchesWhenOnline(t *testing.T) {
	rs := newRouterStub(t)
	_, mux := newTestAgent(t, rs)

	rec := postJSON(mux, "/capture", `{"url":"https://example.com/a","title":"Example","selection":"quoted text"}`)
	if rec.Code != 200 {
		t.Fatalf("capture = %d %s", rec.Code, rec.Body.String())
	}
	var res envelope.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil || !res.Success {
		t.Fatalf("capture result = %s (%v)", rec.Body.String(), err)
	}

	env := rs.lastEnvelope(t)
	if env.Version != envelope.Version || env.Action != "context.capture" {
		t.Errorf("submitted version/action = %s/%s", env.Version, env.Action)
	}
	if env.Source != envelope.SourceBrowserExtension {
		t.Errorf("source = %q, want browser-extension default", env.Source)
	}
	if !strings.HasPrefix(env.IdempotencyKey, "cap-") {
		t.Errorf("idempotencyKey = %q, want derived", env.IdempotencyKey)
	}
	if err := sign.Verify([]byte("test-secret"), rs.lastBody(), rs.lastSig()); err != nil {
		t.Errorf("submission not signed correctly: %v", err)
	}

	// The alias path maps the same content to the same derived key.
	rec = postJSON(mux, "/v1/capture", `{"url":"https://example.com/a","title":"Example","selection":"quoted text"}`)
	if rec.Code != 200 {
		t.Fatalf("alias capture = %d %s", rec.Code, rec.Body.String())
	}
	if again := rs.lastEnvelope(t); again.IdempotencyKey != env.IdempotencyKey {
		t.Errorf("repeat capture key = %q, want %q", again.IdempotencyKey, env.IdempotencyKey)
	}
}

func TestHandleCaptureRejectsBadInput(t *testing.T) {
	rs := newRouterStub(t)
	_, mux := newTestAgent(t, rs)

	rec := postJSON(mux, "/capture", "{")
	if rec.Code != 400 || !strings.Contains(rec.Body.String(), "invalid json") {
		t.Errorf("garbage = %d %s", rec.Code, rec.Body.String())
	}
	rec = postJSON(mux, "/capture", `{"title":"metadata only"}`)
	if rec.Code != 400 || !strings.Contains(rec.Body.String(), "empty capture") {
		t.Errorf("empty = %d %s", rec.Code, rec.Body.String())
	}
	if rs.callCount() != 0 {
		t.Errorf("router called %d times for rejected captures", rs.callCount())
	}
}

func TestHandleCaptureQueuesWhenRouterDown(t *testing.T) {
	rs := newRouterStub(t)
	rs.set("down")
	a, mux := newTestAgent(t, rs)

	rec := postJSON(mux, "/capture", `{"url":"https://example.com/offline"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("capture = %d %s, want 202", rec.Code, rec.Body.String())
	}
	var out struct {
		Status string `json:"status"`
		Depth  int    `json:"depth"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != "queued" || out.Depth != 1 {
		t.Errorf("body = %+v, want queued depth 1", out)
	}
	if n, _ := a.Queue.Len(context.Background()); n != 1 {
		t.Errorf("queue len = %d, want 1", n)
	}
}

func TestHandleRouteValidatesLocally(t *testing.T) {
	rs := newRouterStub(t)
	_, mux := newTestAgent(t, rs)

	cases := []struct {
		name string
		body string
		code string
	}{
		{"invalid_json", "{", "INVALID_JSON"},
		{"missing_action", `{"version":"1.0","source":"cli"}`, "MISSING_FIELD:action"},
		{"bad_version", `{"version":"2.0","action":"github.issue_create","source":"cli"}`, "UNSUPPORTED_VERSION"},
		{"bad_action", `{"version":"1.0","action":"GitHub Issue","source":"cli"}`, "INVALID_ACTION_FORMAT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postJSON(mux, "/route", tc.body)
			if rec.Code != 400 {
				t.Fatalf("status = %d %s, want 400", rec.Code, rec.Body.String())
			}
			var res envelope.Result
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.Success || res.Error == nil || res.Error.Code != tc.code {
				t.Errorf("result = %s, want error code %s", rec.Body.String(), tc.code)
			}
		})
	}
	if rs.callCount() != 0 {
		t.Errorf("router called %d times for invalid envelopes", rs.callCount())
	}
}

func TestHandleRoutePinsGeneratedKey(t *testing.T) {
	rs := newRouterStub(t)
	rs.set("down")
	a, mux := newTestAgent(t, rs)

	rec := postJSON(mux, "/route",
		`{"version":"1.0","action":"docs.text_append","source":"cli","payload":{"content":"hi"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("route = %d %s, want 202", rec.Code, rec.Body.String())
	}

	entries, err := a.Queue.Store.List(context.Background())
	if err != nil || len(entries) != 1 {
		t.Fatalf("stored entries = %d (%v)", len(entries), err)
	}
	var stored envelope.Envelope
	if err := json.Unmarshal(entries[0].Envelope, &stored); err != nil {
		t.Fatalf("decode stored envelope: %v", err)
	}
	if stored.IdempotencyKey == "" {
		t.Fatal("generated idempotency key was not pinned into the queued body")
	}

	// Replay delivers the same key the queue pinned.
	rs.set("ok")
	stats, err := a.Queue.Flush(context.Background())
	if err != nil || stats.Dispatched != 1 {
		t.Fatalf("flush stats = %+v (%v)", stats, err)
	}
	if env := rs.lastEnvelope(t); env.IdempotencyKey != stored.IdempotencyKey {
		t.Errorf("replayed key = %q, want pinned %q", env.IdempotencyKey, stored.IdempotencyKey)
	}
}

func TestHandleRoutePassesThroughRouterAnswer(t *testing.T) {
	rs := newRouterStub(t)
	rs.set("reject")
	a, mux := newTestAgent(t, rs)

	rec := postJSON(mux, "/route",
		`{"version":"1.0","action":"github.issue_delete","source":"cli","idempotencyKey":"k1"}`)
	if rec.Code != 200 {
		t.Fatalf("route = %d %s, want 200 with the router's answer", rec.Code, rec.Body.String())
	}
	var res envelope.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Success || res.Error == nil || res.Error.Code != "ACTION_NOT_ALLOWED" {
		t.Errorf("result = %s, want ACTION_NOT_ALLOWED passthrough", rec.Body.String())
	}
	// A server rejection is an answer, not an outage: nothing queues.
	if n, _ := a.Queue.Len(context.Background()); n != 0 {
		t.Errorf("queue len = %d, want 0", n)
	}
}

func TestQueueStatusAndScheduledFlush(t *testing.T) {
	rs := newRouterStub(t)
	rs.set("down")
	a, mux := newTestAgent(t, rs)

	for _, url := range []string{"https://example.com/1", "https://example.com/2"} {
		if rec := postJSON(mux, "/capture", `{"url":"`+url+`"}`); rec.Code != http.StatusAccepted {
			t.Fatalf("capture = %d %s", rec.Code, rec.Body.String())
		}
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))
	if rec.Code != 200 || !strings.Contains(rec.Body.String(), `"depth":2`) {
		t.Fatalf("queue status = %d %s", rec.Code, rec.Body.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Queue.Run(ctx)

	rs.set("ok")
	if rec := postJSON(mux, "/v1/queue/flush", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("flush = %d %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := a.Queue.Len(context.Background()); n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	n, _ := a.Queue.Len(context.Background())
	t.Fatalf("queue not drained after scheduled flush, %d left", n)
}

func TestWatchStreamFlushesOnConnect(t *testing.T) {
	rs := newRouterStub(t)
	rs.set("down")
	a, mux := newTestAgent(t, rs)

	if rec := postJSON(mux, "/capture", `{"url":"https://example.com/offline"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("capture = %d %s", rec.Code, rec.Body.String())
	}

	streamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/stream" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		<-r.Context().Done()
		conn.Close(websocket.StatusNormalClosure, "closed")
	}))
	defer streamSrv.Close()

	// Stream endpoint and route endpoint are the same daemon in production;
	// here the stream stub only signals reachability.
	a.Config.RouterURL = streamSrv.URL

	rs.set("ok")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Queue.Run(ctx)
	go a.watchStream(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := a.Queue.Len(context.Background()); n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	n, _ := a.Queue.Len(context.Background())
	t.Fatalf("queue not flushed after stream connect, %d left", n)
}

func TestMetricsMiddlewareRecordsStatus(t *testing.T) {
	rs := newRouterStub(t)
	a, mux := newTestAgent(t, rs)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("healthz = %d", rec.Code)
	}
	stat, ok := a.Metrics.Snapshot().Endpoints["GET /healthz"]
	if !ok || stat.Count != 1 || stat.LastStatusCode != 200 {
		t.Errorf("endpoint stat = %+v, ok=%v", stat, ok)
	}
}

func TestUpdateQueueMetrics(t *testing.T) {
	rs := newRouterStub(t)
	rs.set("down")
	a, mux := newTestAgent(t, rs)

	if rec := postJSON(mux, "/capture", `{"url":"https://example.com"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("capture = %d", rec.Code)
	}
	a.updateQueueMetrics(context.Background())
	if got := a.Metrics.Snapshot().Gauges["queue_depth"]; got != 1 {
		t.Errorf("queue_depth = %v, want 1", got)
	}
}
