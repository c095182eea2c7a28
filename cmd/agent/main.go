package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"conduit/pkg/client"
	"conduit/pkg/clientqueue"
	"conduit/pkg/config"
	"conduit/pkg/envelope"
	"conduit/pkg/httpx"
	"conduit/pkg/metrics"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// maxCaptureBody matches the router's default body cap so the agent never
// queues an envelope the router would refuse for size.
const maxCaptureBody = 1 << 20

const (
	streamDialTimeout    = 8 * time.Second
	streamReconnectDelay = 5 * time.Second
)

// Agent is the client-side companion daemon: a local listener that maps raw
// captures into envelopes, dispatches to the router when it is reachable and
// queues for replay when it is not.
type Agent struct {
	Config  *config.AgentConfig
	Queue   *clientqueue.Queue
	Client  *client.Client
	Metrics *metrics.Registry
}

type agentLoadConfigFunc func() (*config.AgentConfig, error)
type agentOpenStoreFunc func(path string) (clientqueue.Store, error)
type agentListenFunc func(server *http.Server) error
type agentStartLoopsFunc func(a *Agent)

// Testable variables for main()
var (
	logFatalf     = log.Fatalf
	loadConfigG   = config.LoadAgent
	openStoreFnG  = openQueueStore
	listenFnG     = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG = func(a *Agent) {
		go a.Queue.Run(context.Background())
		go a.metricsLoop(context.Background())
		if a.Config.StreamReconnect {
			go a.watchStream(context.Background())
		}
	}
)

func main() {
	if err := runAgent(loadConfigG, openStoreFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("agent: %v", err)
	}
}

func runAgent(
	loadConfig agentLoadConfigFunc,
	openStore agentOpenStoreFunc,
	listen agentListenFunc,
	startLoops agentStartLoopsFunc,
) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	st, err := openStore(cfg.QueuePath)
	if err != nil {
		return fmt.Errorf("queue store: %w", err)
	}
	defer st.Close()

	cl := client.New(cfg.RouterURL, cfg.RequestTimeout)
	if cfg.Secret != "" {
		cl.Secret = []byte(cfg.Secret)
	} else {
		log.Printf("agent: ROUTING_SECRET not set, submitting unsigned envelopes")
	}

	q := clientqueue.New(st, cl.Route)
	q.MaxEntries = cfg.MaxEntries
	q.MaxAge = cfg.MaxAge
	q.FlushEvery = cfg.FlushInterval

	a := &Agent{Config: cfg, Queue: q, Client: cl, Metrics: metrics.NewRegistry()}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(a.metricsMiddleware)
	r.Use(httpx.MaxBytesMiddleware(maxCaptureBody))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "agent"})
	})
	r.Post("/route", a.handleRoute)
	r.Post("/capture", a.handleCapture)
	r.Post("/v1/capture", a.handleCapture)
	r.Get("/v1/queue", a.handleQueueStatus)
	r.Post("/v1/queue/flush", a.handleQueueFlush)
	r.Get("/metrics", a.Metrics.Handler())
	r.Get("/metrics/prometheus", a.Metrics.PrometheusHandler())

	if startLoops != nil {
		startLoops(a)
	}

	log.Printf("agent listening on %s, router %s", cfg.HTTPAddr, cfg.RouterURL)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       20 * time.Second,
		// Submissions dispatch synchronously; the write timeout must outlast
		// one full router request.
		WriteTimeout: cfg.RequestTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// openQueueStore picks the durable SQLite queue when a path is configured
// and the in-memory queue otherwise.
func openQueueStore(path string) (clientqueue.Store, error) {
	if strings.TrimSpace(path) == "" {
		log.Printf("agent: QUEUE_PATH not set, offline queue is in-memory only")
		return clientqueue.NewMemoryStore(), nil
	}
	return clientqueue.OpenSQLite(path)
}

// handleRoute accepts a complete envelope, validates it locally and submits
// it. Validating before the queue keeps junk from occupying queue slots for
// days, and pinning a generated idempotency key into the stored body keeps
// replays of the same entry deduplicable at the router.
func (a *Agent) handleRoute(w http.ResponseWriter, r *http.Request) {
	body, ok := httpx.ReadBody(w, r)
	if !ok {
		return
	}
	env, verr := envelope.Validate(body)
	if verr != nil {
		httpx.WriteJSON(w, http.StatusBadRequest, envelope.RejectResult(verr.Detail()))
		return
	}
	if env.KeyGenerated {
		pinned, err := json.Marshal(env)
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		body = pinned
	}
	a.submit(w, r, body)
}

// captureRequest is the raw capture shape the browser extension posts.
type captureRequest struct {
	Source         string          `json:"source,omitempty"`
	URL            string          `json:"url,omitempty"`
	Title          string          `json:"title,omitempty"`
	Selection      string          `json:"selection,omitempty"`
	Note           string          `json:"note,omitempty"`
	CapturedAt     string          `json:"capturedAt,omitempty"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Context        json.RawMessage `json:"context,omitempty"`
}

func (a *Agent) handleCapture(w http.ResponseWriter, r *http.Request) {
	body, ok := httpx.ReadBody(w, r)
	if !ok {
		return
	}
	var req captureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	raw, err := mapCapture(req, time.Now().UTC())
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	a.submit(w, r, raw)
}

// submit dispatches-or-queues one envelope body and writes the outcome:
// the router's Result when it answered, 202 with the queue depth otherwise.
func (a *Agent) submit(w http.ResponseWriter, r *http.Request, body []byte) {
	res, queued, err := a.Queue.EnqueueOrDispatch(r.Context(), body)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	if queued {
		depth, _ := a.Queue.Len(r.Context())
		httpx.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
			"status": "queued",
			"depth":  depth,
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (a *Agent) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := a.Queue.Len(r.Context())
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{
		"depth":  depth,
		"router": a.Config.RouterURL,
	})
}

// handleQueueFlush schedules an immediate flush on the run loop rather than
// flushing inline: one flush runs at a time and the loop owns the schedule.
func (a *Agent) handleQueueFlush(w http.ResponseWriter, r *http.Request) {
	a.Queue.Notify()
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "flush scheduled"})
}

const captureAction = "context.capture"

// mapCapture turns a raw capture into a context.capture envelope. The
// idempotency key defaults to a digest of the capture content so repeat
// submissions of the same page state dedup at the router.
func mapCapture(req captureRequest, now time.Time) ([]byte, error) {
	payload := map[string]string{}
	if v := strings.TrimSpace(req.URL); v != "" {
		payload["url"] = v
	}
	if v := strings.TrimSpace(req.Selection); v != "" {
		payload["selection"] = v
	}
	if v := strings.TrimSpace(req.Note); v != "" {
		payload["note"] = v
	}
	if len(payload) == 0 {
		return nil, errors.New("empty capture: url, selection or note required")
	}
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = envelope.SourceBrowserExtension
	}

	contextRaw := req.Context
	if len(contextRaw) == 0 {
		if title := strings.TrimSpace(req.Title); title != "" {
			contextRaw, _ = json.Marshal(map[string]string{"title": title})
		}
	}

	idem := strings.TrimSpace(req.IdempotencyKey)
	if idem == "" {
		idem = deriveCaptureKey(source, payloadRaw)
	}

	env := envelope.Envelope{
		Version:        envelope.Version,
		Action:         captureAction,
		Source:         source,
		Timestamp:      parseRFC3339OrDefault(req.CapturedAt, now).Format(time.RFC3339),
		IdempotencyKey: idem,
		CorrelationID:  strings.TrimSpace(req.CorrelationID),
		Context:        contextRaw,
		Payload:        payloadRaw,
	}
	return json.Marshal(&env)
}

func deriveCaptureKey(source string, payload []byte) string {
	h := sha256.Sum256([]byte(source + "|" + string(payload)))
	return "cap-" + hex.EncodeToString(h[:12])
}

func parseRFC3339OrDefault(raw string, fallback time.Time) time.Time {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback.UTC()
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return fallback.UTC()
	}
	return parsed.UTC()
}

// watchStream keeps a WebSocket open to the router's event stream. The
// connection itself is the signal: every successful (re)connect means the
// router is reachable again, so the queue flushes without waiting for the
// next timer tick.
func (a *Agent) watchStream(ctx context.Context) {
	wsURL := streamURL(a.Config.RouterURL)
	if wsURL == "" {
		log.Printf("agent: stream watch disabled, cannot derive ws url from %s", a.Config.RouterURL)
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		if err := a.tailStream(ctx, wsURL); err != nil && ctx.Err() == nil {
			log.Printf("agent: stream disconnected: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnectDelay):
		}
	}
}

func (a *Agent) tailStream(ctx context.Context, wsURL string) error {
	dialCtx, cancel := context.WithTimeout(ctx, streamDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: &http.Client{Timeout: streamDialTimeout},
	})
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "closed")
	conn.SetReadLimit(1 << 20)

	log.Printf("agent: stream connected, scheduling flush")
	a.Queue.Notify()

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
	}
}

// streamURL derives the router's WebSocket stream endpoint from its base URL.
func streamURL(routerURL string) string {
	u := strings.TrimSuffix(strings.TrimSpace(routerURL), "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://") + "/v1/stream"
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://") + "/v1/stream"
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (a *Agent) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		a.Metrics.Observe(path, rec.code, elapsed)
		a.Metrics.ObserveLatency(path, elapsed)
	})
}

func (a *Agent) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	a.updateQueueMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.updateQueueMetrics(ctx)
		}
	}
}

func (a *Agent) updateQueueMetrics(ctx context.Context) {
	if a.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	depth, err := a.Queue.Len(ctx)
	if err != nil {
		return
	}
	a.Metrics.SetGauge("queue_depth", float64(depth))
}
