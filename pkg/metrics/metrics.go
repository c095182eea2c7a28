package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	outcome         map[string]int64
	errorCode       map[string]int64
	gauges          map[string]float64
	actionOutcome   map[string]int64
	source          map[string]int64
	deadLetter      map[string]int64
	natsRequests    int64
	dispatchLatency DispatchLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type DispatchLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Outcomes          map[string]int64        `json:"outcomes"`
	ErrorCodes        map[string]int64        `json:"error_codes"`
	Gauges            map[string]float64      `json:"gauges"`
	ActionOutcome     map[string]int64        `json:"action_outcome"`
	SourceTotals      map[string]int64        `json:"source_totals"`
	DeadLetterTotals  map[string]int64        `json:"dead_letter_totals"`
	NATSRequests      int64                   `json:"nats_requests_total"`
	DispatchLatencyMS DispatchLatencyStat     `json:"dispatch_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		outcome:       map[string]int64{},
		errorCode:     map[string]int64{},
		gauges:        map[string]float64{},
		actionOutcome: map[string]int64{},
		source:        map[string]int64{},
		deadLetter:    map[string]int64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncOutcome(outcome string) {
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.outcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncErrorCode(code string) {
	if code == "" {
		return
	}
	r.mu.Lock()
	r.errorCode[code]++
	r.mu.Unlock()
}

func (r *Registry) IncActionOutcome(action, outcome string) {
	action = strings.TrimSpace(action)
	outcome = strings.TrimSpace(outcome)
	if action == "" {
		return
	}
	if outcome == "" {
		outcome = "UNKNOWN"
	}
	key := action + "|" + outcome
	r.mu.Lock()
	r.actionOutcome[key]++
	r.mu.Unlock()
}

func (r *Registry) IncSource(source string) {
	source = strings.TrimSpace(source)
	if source == "" {
		return
	}
	r.mu.Lock()
	r.source[source]++
	r.mu.Unlock()
}

func (r *Registry) ObserveDispatchLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatchLatency.Count++
	r.dispatchLatency.TotalMS += ms
	r.dispatchLatency.LastMS = ms
	if ms > r.dispatchLatency.MaxMS {
		r.dispatchLatency.MaxMS = ms
	}
	r.dispatchLatency.AvgMS = float64(r.dispatchLatency.TotalMS) / float64(r.dispatchLatency.Count)
}

func (r *Registry) IncDeadLetter(event string) {
	event = strings.TrimSpace(strings.ToLower(event))
	if event == "" {
		return
	}
	r.mu.Lock()
	r.deadLetter[event]++
	r.mu.Unlock()
}

func (r *Registry) IncNATSRequests() {
	r.mu.Lock()
	r.natsRequests++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		Outcomes:         make(map[string]int64, len(r.outcome)),
		ErrorCodes:       make(map[string]int64, len(r.errorCode)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		ActionOutcome:    make(map[string]int64, len(r.actionOutcome)),
		SourceTotals:     make(map[string]int64, len(r.source)),
		DeadLetterTotals: make(map[string]int64, len(r.deadLetter)),
		NATSRequests:     r.natsRequests,
		DispatchLatencyMS: DispatchLatencyStat{
			Count:   r.dispatchLatency.Count,
			TotalMS: r.dispatchLatency.TotalMS,
			MaxMS:   r.dispatchLatency.MaxMS,
			LastMS:  r.dispatchLatency.LastMS,
			AvgMS:   r.dispatchLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.outcome {
		out.Outcomes[k] = v
	}
	for k, v := range r.errorCode {
		out.ErrorCodes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.actionOutcome {
		out.ActionOutcome[k] = v
	}
	for k, v := range r.source {
		out.SourceTotals[k] = v
	}
	for k, v := range r.deadLetter {
		out.DeadLetterTotals[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP conduit_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE conduit_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "conduit_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP conduit_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE conduit_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "conduit_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP conduit_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE conduit_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "conduit_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP conduit_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE conduit_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "conduit_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP conduit_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE conduit_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "conduit_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP conduit_result_total routed requests by outcome\n")
		b.WriteString("# TYPE conduit_result_total counter\n")
		for _, outcome := range SortedKeys(snap.Outcomes) {
			fmt.Fprintf(b, "conduit_result_total{outcome=%q} %d\n", outcome, snap.Outcomes[outcome])
		}
		b.WriteString("# HELP conduit_error_code_total failed requests by error code\n")
		b.WriteString("# TYPE conduit_error_code_total counter\n")
		for _, code := range SortedKeys(snap.ErrorCodes) {
			fmt.Fprintf(b, "conduit_error_code_total{code=%q} %d\n", code, snap.ErrorCodes[code])
		}
		b.WriteString("# HELP conduit_gauge operational gauge metrics\n")
		b.WriteString("# TYPE conduit_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "conduit_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP conduit_latency_seconds latency histogram\n")
			b.WriteString("# TYPE conduit_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "conduit_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "conduit_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "conduit_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "conduit_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "conduit_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "conduit_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "conduit_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP conduit_action_result_total routed requests by action and outcome\n")
		b.WriteString("# TYPE conduit_action_result_total counter\n")
		for _, key := range SortedKeys(snap.ActionOutcome) {
			parts := strings.SplitN(key, "|", 2)
			action := parts[0]
			outcome := "UNKNOWN"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "conduit_action_result_total{action=%q,outcome=%q} %d\n", action, outcome, snap.ActionOutcome[key])
		}

		b.WriteString("# HELP conduit_source_total routed requests by source\n")
		b.WriteString("# TYPE conduit_source_total counter\n")
		for _, source := range SortedKeys(snap.SourceTotals) {
			fmt.Fprintf(b, "conduit_source_total{source=%q} %d\n", source, snap.SourceTotals[source])
		}

		b.WriteString("# HELP conduit_dispatch_latency_ms handler dispatch latency in ms\n")
		b.WriteString("# TYPE conduit_dispatch_latency_ms gauge\n")
		fmt.Fprintf(b, "conduit_dispatch_latency_ms{stat=%q} %d\n", "last", snap.DispatchLatencyMS.LastMS)
		fmt.Fprintf(b, "conduit_dispatch_latency_ms{stat=%q} %.3f\n", "avg", snap.DispatchLatencyMS.AvgMS)
		fmt.Fprintf(b, "conduit_dispatch_latency_ms{stat=%q} %d\n", "max", snap.DispatchLatencyMS.MaxMS)

		b.WriteString("# HELP conduit_dead_letter_total dead letter transitions by event\n")
		b.WriteString("# TYPE conduit_dead_letter_total counter\n")
		for _, event := range SortedKeys(snap.DeadLetterTotals) {
			fmt.Fprintf(b, "conduit_dead_letter_total{event=%q} %d\n", event, snap.DeadLetterTotals[event])
		}

		b.WriteString("# HELP conduit_nats_requests_total NATS route requests handled\n")
		b.WriteString("# TYPE conduit_nats_requests_total counter\n")
		fmt.Fprintf(b, "conduit_nats_requests_total %d\n", snap.NATSRequests)

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
