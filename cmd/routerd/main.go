package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"conduit/pkg/comms"
	"conduit/pkg/config"
	"conduit/pkg/deadletter"
	"conduit/pkg/dispatch"
	"conduit/pkg/envelope"
	"conduit/pkg/events"
	"conduit/pkg/handler"
	"conduit/pkg/hardening"
	"conduit/pkg/httpx"
	"conduit/pkg/idempotency"
	"conduit/pkg/metrics"
	"conduit/pkg/ratelimit"
	"conduit/pkg/route"
	"conduit/pkg/router"
	"conduit/pkg/sign"
	"conduit/pkg/store"
	"conduit/pkg/stream"
	"conduit/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	Config      *config.Config
	DB          routerDB
	Cache       store.Cache
	Redis       *redis.Client
	Router      *router.Router
	Table       *route.Table
	DeadLetters deadletter.Store
	Retrier     *deadletter.Retrier
	Events      *stream.Hub
	Metrics     *metrics.Registry
}

type routerDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type routerDBCloser interface {
	routerDB
	Close()
}

type routerLoadConfigFunc func() (*config.Config, error)
type routerInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type routerOpenDBFunc func(ctx context.Context) (routerDBCloser, error)
type routerOpenRedisFunc func(ctx context.Context, addr string) (*redis.Client, error)
type routerListenFunc func(server *http.Server) error
type routerStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	loadConfigG    = config.Load
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (routerDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedisClient
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.metricsLoop(context.Background())
		go s.eventMetricsLoop(context.Background())
		if s.Config.SweepInterval > 0 {
			go s.sweepLoop(context.Background())
		}
	}
)

func main() {
	if err := runRouter(loadConfigG, initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("routerd: %v", err)
	}
}

func runRouter(
	loadConfig routerLoadConfigFunc,
	initTelemetry routerInitTelemetryFunc,
	openDB routerOpenDBFunc,
	openRedis routerOpenRedisFunc,
	listen routerListenFunc,
	startLoops routerStartLoopsFunc,
) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	shutdown, err := initTelemetry(ctx, "routerd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	var db routerDB
	if cfg.DatabaseURL != "" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		db = pool
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient, err = openRedis(ctx, cfg.RedisAddr)
		if err != nil {
			log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
			redisClient = nil
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "routerd",
		Environment:        cfg.Environment,
		StrictProdSecurity: cfg.StrictProdSecurity,
		DatabaseRequireTLS: cfg.DatabaseRequireTLS,
		RedisAddr:          cfg.RedisAddr,
		RedisRequireTLS:    cfg.RedisRequireTLS,
		RedisTLSInsecure:   cfg.RedisTLSInsecure,
		AllowedOrigins:     cfg.AllowedOrigins,
		RequiredSecrets: []hardening.Requirement{
			{Name: "ROUTING_SECRET", Value: cfg.Secret},
			{Name: "ADMIN_TOKEN", Value: cfg.AdminToken},
		},
	}); err != nil {
		return err
	}

	var idem idempotency.Store
	var letters deadletter.Store
	if db != nil {
		pg := idempotency.NewPostgresStore(db, cache)
		pg.TTL = cfg.IdempotencyTTL
		pg.InFlightTTL = cfg.InFlightTTL
		idem = pg
		letters = deadletter.NewPostgresStore(db)
	} else {
		cs := idempotency.NewCacheStore(cache)
		cs.TTL = cfg.IdempotencyTTL
		cs.InFlightTTL = cfg.InFlightTTL
		idem = cs
		letters = deadletter.NewMemoryStore()
		log.Printf("routerd running without a database, dead letters are in-memory only")
	}

	schemaSrc := route.DefaultSchemas()
	if cfg.SchemaDir != "" {
		schemaSrc, err = route.LoadSchemaDir(cfg.SchemaDir, schemaSrc)
		if err != nil {
			return fmt.Errorf("schemas: %w", err)
		}
	}
	schemas, err := route.CompileSchemas(schemaSrc)
	if err != nil {
		return fmt.Errorf("schemas: %w", err)
	}

	rules, err := loadRules(env("ROUTE_RULES_FILE", ""))
	if err != nil {
		return err
	}
	// Handler client timeout sits above the per-attempt budget so the
	// dispatcher's context deadline, not the transport, decides timeouts.
	httpClient := telemetry.InstrumentClient(&http.Client{Timeout: cfg.DispatchTimeout + time.Second})
	table, err := route.NewTable(rules, buildHandlers(rules, httpClient))
	if err != nil {
		return fmt.Errorf("route table: %w", err)
	}

	hub := stream.NewHub()
	reg := metrics.NewRegistry()

	d := dispatch.New(idem, letters, hub)
	d.Timeout = cfg.DispatchTimeout
	d.Attempts = cfg.DispatchAttempts

	rt := router.New([]byte(cfg.Secret), idem, table, schemas, d)
	rt.Metrics = reg
	rt.WaitInFlight = cfg.WaitInFlight
	if cfg.RateLimitEnabled {
		if redisClient != nil {
			rt.Limiter = ratelimit.NewRedis(redisClient, cfg.RateLimitWindow)
		} else {
			rt.Limiter = ratelimit.NewInMemory(cfg.RateLimitWindow)
		}
		rt.SourceLimit = cfg.SourceRateLimit
	}

	retrier := &deadletter.Retrier{
		Store:      letters,
		Idem:       idem,
		Dispatcher: d,
		Resolve: func(action, source string) (handler.Handler, *envelope.ErrorDetail) {
			h, rej := table.Resolve(action, source)
			if rej != nil {
				det := rej.Detail()
				return nil, &det
			}
			return h, nil
		},
	}

	if cfg.NATSURL != "" {
		nc, err := comms.Connect(cfg.NATSURL, "conduit-routerd")
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = nc.Drain() }()
		if _, err := comms.Serve(nc, cfg.NATSSubject, 0, rt.Route, reg); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = pub.Close() }()
		go events.Pump(ctx, hub.Subscribe(256), pub)
		log.Printf("routerd exporting dispatch events to kafka topic %s", cfg.KafkaTopic)
	}

	s := &Server{
		Config:      cfg,
		DB:          db,
		Cache:       cache,
		Redis:       redisClient,
		Router:      rt,
		Table:       table,
		DeadLetters: letters,
		Retrier:     retrier,
		Events:      hub,
		Metrics:     reg,
	}

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.AllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("routerd"))
	r.Use(httpx.MaxBytesMiddleware(maxBody))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "routerd"})
	})
	r.Get("/readyz", s.handleReady)
	r.Post("/route", s.handleRoute)
	r.Get("/v1/actions", s.handleActions)
	r.Get("/v1/stream", s.streamEvents)
	r.Get("/v1/deadletters", s.withAdmin(s.listDeadLetters))
	r.Get("/v1/deadletters/{id}", s.withAdmin(s.getDeadLetter))
	r.Post("/v1/deadletters/{id}/retry", s.withAdmin(s.retryDeadLetter))
	r.Get("/metrics", s.withAdmin(s.Metrics.Handler()))
	r.Get("/metrics/prometheus", s.withAdmin(s.Metrics.PrometheusHandler()))

	if startLoops != nil {
		startLoops(s)
	}

	log.Printf("routerd listening on %s", cfg.HTTPAddr)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		// The write timeout must outlast a full dispatch: attempts x
		// per-attempt timeout plus backoff.
		WriteTimeout: envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 120),
		IdleTimeout:  envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// loadRules reads the allowlist from a JSON file, or falls back to the
// built-in rules when no file is configured.
func loadRules(path string) ([]route.Rule, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return route.DefaultRules(), nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("route rules: %w", err)
	}
	var rules []route.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("route rules %s: %w", path, err)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("route rules %s: no rules defined", path)
	}
	return rules, nil
}

// buildHandlers maps each rule's handler name to an HTTP executor. Every
// handler defaults to HANDLER_BASE_URL; HANDLER_<NAME>_URL overrides the
// base per handler service.
func buildHandlers(rules []route.Rule, client *http.Client) map[string]handler.Handler {
	base := strings.TrimRight(env("HANDLER_BASE_URL", "http://localhost:9090"), "/")
	headers := authHeaderMap(env("HANDLER_AUTH_HEADER", ""), env("HANDLER_AUTH_TOKEN", ""))
	out := make(map[string]handler.Handler, len(rules))
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Handler)
		if name == "" {
			continue
		}
		if _, ok := out[name]; ok {
			continue
		}
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		endpoint := strings.TrimRight(env("HANDLER_"+key+"_URL", base), "/")
		out[name] = &handler.HTTP{
			Client:   client,
			Endpoint: endpoint + "/execute",
			Headers:  headers,
		}
	}
	return out
}

func authHeaderMap(header, token string) map[string]string {
	header = strings.TrimSpace(header)
	if header == "" || strings.TrimSpace(token) == "" {
		return nil
	}
	return map[string]string{header: token}
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	body, ok := httpx.ReadBody(w, r)
	if !ok {
		return
	}
	res, status := s.Router.Route(r.Context(), body, r.Header.Get(sign.Header))
	httpx.WriteJSON(w, status, res)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]interface{}{"actions": s.Table.Actions()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if s.DB != nil {
		var one int
		if err := s.DB.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
			httpx.Error(w, 503, "database unavailable")
			return
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			httpx.Error(w, 503, "redis unavailable")
			return
		}
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ready", "service": "routerd"})
}

// withAdmin guards the operator surface with the bearer token from
// ADMIN_TOKEN. No token configured means the surface stays closed.
func (s *Server) withAdmin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(s.Config.AdminToken)
		if token == "" {
			httpx.Error(w, 403, "admin endpoints disabled: ADMIN_TOKEN not set")
			return
		}
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		const prefix = "Bearer "
		if !strings.HasPrefix(raw, prefix) {
			httpx.Error(w, 401, "unauthorized")
			return
		}
		got := strings.TrimSpace(raw[len(prefix):])
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			httpx.Error(w, 401, "unauthorized")
			return
		}
		h(w, r)
	}
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			httpx.Error(w, 400, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.DeadLetters.ListPending(r.Context(), limit)
	if err != nil {
		log.Printf("routerd: list dead letters: %v", err)
		httpx.Error(w, 500, "list failed")
		return
	}
	if s.Config.RedactReads {
		entries = deadletter.RedactEntries(entries, []byte(s.Config.RedactSalt))
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	httpx.WriteJSON(w, 200, map[string]interface{}{"entries": entries})
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.DeadLetters.Get(r.Context(), id)
	if errors.Is(err, deadletter.ErrNotFound) {
		httpx.Error(w, 404, "dead letter not found")
		return
	}
	if err != nil {
		log.Printf("routerd: get dead letter %s: %v", id, err)
		httpx.Error(w, 500, "lookup failed")
		return
	}
	if s.Config.RedactReads {
		entry = deadletter.RedactEntry(entry, []byte(s.Config.RedactSalt))
	}
	httpx.WriteJSON(w, 200, entry)
}

func (s *Server) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.Retrier.Retry(r.Context(), id)
	if errors.Is(err, deadletter.ErrNotFound) {
		httpx.Error(w, 404, "dead letter not found")
		return
	}
	if err != nil {
		log.Printf("routerd: retry dead letter %s: %v", id, err)
		httpx.Error(w, 500, "retry failed")
		return
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeRetry, map[string]interface{}{
			"id":             id,
			"idempotencyKey": res.IdempotencyKey,
			"success":        res.Success,
		}))
	}
	httpx.WriteJSON(w, 200, res)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if s.DB != nil {
		var pending int
		var oldest float64
		err := s.DB.QueryRow(ctx, `
			SELECT COUNT(*), COALESCE(MAX(EXTRACT(EPOCH FROM (now() - captured_at))), 0)
			FROM dead_letters WHERE status = 'pending'
		`).Scan(&pending, &oldest)
		if err != nil {
			return
		}
		s.Metrics.SetGauge("deadletter_pending", float64(pending))
		s.Metrics.SetGauge("deadletter_pending_oldest_seconds", oldest)
		return
	}
	if s.DeadLetters == nil {
		return
	}
	entries, err := s.DeadLetters.ListPending(ctx, 0)
	if err != nil {
		return
	}
	s.Metrics.SetGauge("deadletter_pending", float64(len(entries)))
	oldest := 0.0
	if len(entries) > 0 {
		oldest = time.Since(entries[0].CapturedAt).Seconds()
	}
	s.Metrics.SetGauge("deadletter_pending_oldest_seconds", oldest)
}

// eventMetricsLoop counts dead-letter traffic off the event hub so the
// dispatcher stays decoupled from the metrics registry.
func (s *Server) eventMetricsLoop(ctx context.Context) {
	if s.Events == nil || s.Metrics == nil {
		return
	}
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			switch evt.Type {
			case stream.TypeDeadLetter, stream.TypeRetry:
				s.Metrics.IncDeadLetter(evt.Type)
			}
		}
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.Config.SweepInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.Retrier.Sweep(ctx, s.Config.SweepBatch)
			if stats.Scanned > 0 {
				log.Printf("routerd sweep: scanned=%d resolved=%d failed=%d", stats.Scanned, stats.Resolved, stats.Failed)
			}
		}
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
