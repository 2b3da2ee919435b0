// Package metrics implements the Metrics Collector: per-request and
// per-model counters, latency histograms, speculative-decoding stats, and
// agent-run outcomes, exposed both as Prometheus exposition text and as a
// JSON snapshot for `GET /admin/metrics.json`.
//
// Grounded on original_source's api/inference.py usage of
// monitoring.metrics.MetricsCollector (metrics.record(RequestMetric(
// model_id=..., latency_sec=..., prompt_tokens=..., completion_tokens=...,
// stream=..., error=..., client_id=...))) for the fields a record
// carries, and on AleutianAI-AleutianFOSS's
// agent/providers/egress/metrics.go and agent/llm/observability.go for
// the promauto label/bucket conventions this package's Prometheus side
// follows. Unlike those files' package-level global vars, Collector owns
// a private *prometheus.Registry instance so multiple Collectors (tests,
// or multiple engines in one process) never collide on double
// registration.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestRecord is one completed (streaming or non-streaming) chat
// completion, mirroring RequestMetric's fields.
type RequestRecord struct {
	ModelID          string
	LatencySec       float64
	PromptTokens     int
	CompletionTokens int
	Stream           bool
	Error            bool
	ClientID         string
}

// AgentRunRecord is one completed agent run outcome.
type AgentRunRecord struct {
	Strategy   string // HANDOFF | PARALLEL_MAP | ROUTER
	DurationSec float64
	Steps      int
	Outcome    string // "completed" | "failed" | "cancelled" | "budget_exhausted"
}

// SpeculativeRecord is one stream's speculative-decoding tallies.
type SpeculativeRecord struct {
	ModelID   string
	Accepted  int64
	Rejected  int64
	Ignored   int64
	Available bool
}

// Collector owns every metric this process exposes, backed by its own
// Prometheus registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestLatency   *prometheus.HistogramVec
	promptTokens     *prometheus.CounterVec
	completionTokens *prometheus.CounterVec

	agentRunsTotal    *prometheus.CounterVec
	agentRunDuration  *prometheus.HistogramVec

	speculativeAccepted *prometheus.CounterVec
	speculativeRejected *prometheus.CounterVec
	speculativeIgnored  *prometheus.CounterVec

	mu        sync.Mutex
	perModel  map[string]*modelTally
	startedAt time.Time
}

type modelTally struct {
	requests         int64
	errors           int64
	promptTokens     int64
	completionTokens int64
	totalLatencySec  float64
}

// New builds a Collector with every metric registered against a fresh,
// private *prometheus.Registry.
func New() *Collector {
	c := &Collector{
		registry:  prometheus.NewRegistry(),
		perModel:  map[string]*modelTally{},
		startedAt: time.Now(),
	}

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lmx", Subsystem: "inference", Name: "requests_total",
		Help: "Total chat completion requests by model and status.",
	}, []string{"model", "status", "stream"})

	c.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lmx", Subsystem: "inference", Name: "request_latency_seconds",
		Help:    "Chat completion request latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"model"})

	c.promptTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lmx", Subsystem: "inference", Name: "prompt_tokens_total",
		Help: "Total prompt tokens processed by model.",
	}, []string{"model"})

	c.completionTokens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lmx", Subsystem: "inference", Name: "completion_tokens_total",
		Help: "Total completion tokens generated by model.",
	}, []string{"model"})

	c.agentRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lmx", Subsystem: "agents", Name: "runs_total",
		Help: "Total agent runs by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	c.agentRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lmx", Subsystem: "agents", Name: "run_duration_seconds",
		Help:    "Agent run duration in seconds.",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"strategy"})

	c.speculativeAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lmx", Subsystem: "speculative", Name: "accepted_tokens_total",
		Help: "Speculative-decoding accepted draft tokens by model.",
	}, []string{"model"})
	c.speculativeRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lmx", Subsystem: "speculative", Name: "rejected_tokens_total",
		Help: "Speculative-decoding rejected draft tokens by model.",
	}, []string{"model"})
	c.speculativeIgnored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lmx", Subsystem: "speculative", Name: "ignored_tokens_total",
		Help: "Speculative-decoding ignored draft tokens by model (includes telemetry-unavailable degradation).",
	}, []string{"model"})

	c.registry.MustRegister(
		c.requestsTotal, c.requestLatency, c.promptTokens, c.completionTokens,
		c.agentRunsTotal, c.agentRunDuration,
		c.speculativeAccepted, c.speculativeRejected, c.speculativeIgnored,
	)
	return c
}

// RecordRequest tallies one completed chat completion request.
func (c *Collector) RecordRequest(r RequestRecord) {
	status := "ok"
	if r.Error {
		status = "error"
	}
	stream := "false"
	if r.Stream {
		stream = "true"
	}
	c.requestsTotal.WithLabelValues(r.ModelID, status, stream).Inc()
	c.requestLatency.WithLabelValues(r.ModelID).Observe(r.LatencySec)
	c.promptTokens.WithLabelValues(r.ModelID).Add(float64(r.PromptTokens))
	c.completionTokens.WithLabelValues(r.ModelID).Add(float64(r.CompletionTokens))

	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tally(r.ModelID)
	t.requests++
	if r.Error {
		t.errors++
	}
	t.promptTokens += int64(r.PromptTokens)
	t.completionTokens += int64(r.CompletionTokens)
	t.totalLatencySec += r.LatencySec
}

// RecordAgentRun tallies one completed agent run.
func (c *Collector) RecordAgentRun(r AgentRunRecord) {
	c.agentRunsTotal.WithLabelValues(r.Strategy, r.Outcome).Inc()
	c.agentRunDuration.WithLabelValues(r.Strategy).Observe(r.DurationSec)
}

// RecordSpeculative tallies one stream's speculative-decoding counters.
// When !Available, Ignored carries the degraded "ignored_tokens == N"
// count per spec.md's telemetry="unavailable" fallback.
func (c *Collector) RecordSpeculative(r SpeculativeRecord) {
	c.speculativeAccepted.WithLabelValues(r.ModelID).Add(float64(r.Accepted))
	c.speculativeRejected.WithLabelValues(r.ModelID).Add(float64(r.Rejected))
	c.speculativeIgnored.WithLabelValues(r.ModelID).Add(float64(r.Ignored))
}

func (c *Collector) tally(modelID string) *modelTally {
	t, ok := c.perModel[modelID]
	if !ok {
		t = &modelTally{}
		c.perModel[modelID] = t
	}
	return t
}

// Handler returns the Prometheus exposition-format HTTP handler for
// `GET /admin/metrics`; the Accept header is not consulted.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ModelSnapshot is one model's JSON-view tally.
type ModelSnapshot struct {
	ModelID              string  `json:"model_id"`
	Requests             int64   `json:"requests"`
	Errors               int64   `json:"errors"`
	PromptTokens         int64   `json:"prompt_tokens"`
	CompletionTokens     int64   `json:"completion_tokens"`
	AverageLatencySec    float64 `json:"average_latency_sec"`
}

// Snapshot is the JSON view for `GET /admin/metrics.json` — a
// hand-maintained per-model rollup alongside the Prometheus registry,
// since the Prometheus client library's collectors aren't cheaply
// queryable back out as plain Go values.
type Snapshot struct {
	UptimeSeconds int64           `json:"uptime_seconds"`
	Models        []ModelSnapshot `json:"models"`
}

// Snapshot renders the current per-model rollup as a JSON-friendly view.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	models := make([]ModelSnapshot, 0, len(c.perModel))
	for id, t := range c.perModel {
		avg := 0.0
		if t.requests > 0 {
			avg = t.totalLatencySec / float64(t.requests)
		}
		models = append(models, ModelSnapshot{
			ModelID: id, Requests: t.requests, Errors: t.errors,
			PromptTokens: t.promptTokens, CompletionTokens: t.completionTokens,
			AverageLatencySec: avg,
		})
	}
	return Snapshot{UptimeSeconds: int64(time.Since(c.startedAt).Seconds()), Models: models}
}
