// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several gateways (and tests) can
// live in one process. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	completions     *prometheus.CounterVec
	tokens          *prometheus.CounterVec
	generation      *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	extractOutcomes *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "status_code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_chat_completions_total",
			Help: "Chat completions by model, source and outcome",
		}, []string{"model", "source", "status", "finish_reason"}),
		tokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Prompt and completion tokens by model",
		}, []string{"model", "kind"}),
		generation: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_generation_duration_seconds",
			Help:    "Time from engine slot request to the last generated token",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"model"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}, []string{"source"}),
		extractOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tool_call_blocks_total",
			Help: "Tool call blocks seen in model output by outcome",
		}, []string{"outcome"}),
	}
}

// WatchEngine exports the engine slot queue depth and occupancy
func (c *Collector) WatchEngine(load func() (waiting, active int64)) {
	if c == nil {
		return
	}
	factory := promauto.With(c.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_engine_waiting",
		Help: "Callers queued for the engine slot",
	}, func() float64 { w, _ := load(); return float64(w) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_engine_active",
		Help: "Generations currently holding the engine slot",
	}, func() float64 { _, a := load(); return float64(a) })
}

// WatchLimiter exports the number of tracked rate limit keys
func (c *Collector) WatchLimiter(keys func() int) {
	if c == nil {
		return
	}
	promauto.With(c.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_rate_limit_keys",
		Help: "Client keys with live rate limit windows",
	}, func() float64 { return float64(keys()) })
}

// WatchDB exports connection pool stats of the audit store
func (c *Collector) WatchDB(db *sql.DB, name string) {
	if c == nil || db == nil {
		return
	}
	c.registry.MustRegister(collectors.NewDBStatsCollector(db, name))
}

func (c *Collector) ObserveHTTP(route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (c *Collector) ObserveCompletion(model, source, status, finishReason string, promptTokens, completionTokens int, d time.Duration) {
	if c == nil {
		return
	}
	c.completions.WithLabelValues(model, source, status, finishReason).Inc()
	c.tokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	c.tokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	c.generation.WithLabelValues(model).Observe(d.Seconds())
}

func (c *Collector) RateLimited(source string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(source).Inc()
}

func (c *Collector) ToolBlock(outcome string) {
	if c == nil {
		return
	}
	c.extractOutcomes.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
