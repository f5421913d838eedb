// Package metrics exposes Prometheus collectors for the mail service's two
// transports (REST and MCP) plus the dispatch catalog and rate limiter they
// share, mounted at GET /metrics via promhttp.Handler() the way
// vjache-cie/cmd/cie/index.go mounts its own metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder wraps the collector set and is shared between internal/serve and
// internal/mcpserve so a tool dispatched over either transport adds to the
// same counters.
type Recorder struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
}

// New registers a fresh collector set against reg. Pass
// prometheus.DefaultRegisterer for a process-wide singleton (the normal
// case); tests should pass a throwaway prometheus.NewRegistry() so repeated
// New() calls don't collide on collector names.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmaild",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "REST requests by route and status code.",
		}, []string{"route", "method", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentmaild",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "REST request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmaild",
			Subsystem: "dispatch",
			Name:      "tool_calls_total",
			Help:      "Dispatch catalog invocations by tool name, transport, and outcome.",
		}, []string{"tool", "transport", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentmaild",
			Subsystem: "dispatch",
			Name:      "tool_call_duration_seconds",
			Help:      "Dispatch catalog call latency by tool name and transport.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "transport"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmaild",
			Subsystem: "ratelimit",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limiter, by bucket category and transport.",
		}, []string{"category", "transport"}),
	}
}

// Handler returns promhttp's /metrics exposition handler for the default
// Prometheus registry, so it exposes a Recorder built with
// New(prometheus.DefaultRegisterer) and not one built on another registry.
// Callers normally wire this into serve.Config.Metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one REST request's outcome. route should be the chi
// route pattern (e.g. "/api/message/send"), not the raw path, to keep
// cardinality bounded.
func (rec *Recorder) ObserveHTTP(route, method string, status int, dur time.Duration) {
	if rec == nil {
		return
	}
	statusLabel := http.StatusText(status)
	if statusLabel == "" {
		statusLabel = "unknown"
	}
	rec.httpRequests.WithLabelValues(route, method, statusLabel).Inc()
	rec.httpDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// ObserveToolCall records one dispatch.Dispatch invocation. transport is
// "rest" or "mcp"; outcome is "ok" or the apierr.Kind string on failure.
func (rec *Recorder) ObserveToolCall(tool, transport, outcome string, dur time.Duration) {
	if rec == nil {
		return
	}
	rec.toolCalls.WithLabelValues(tool, transport, outcome).Inc()
	rec.toolDuration.WithLabelValues(tool, transport).Observe(dur.Seconds())
}

// ObserveRateLimited records a rejection from internal/ratelimit.Tracker.Allow.
func (rec *Recorder) ObserveRateLimited(category, transport string) {
	if rec == nil {
		return
	}
	rec.rateLimited.WithLabelValues(category, transport).Inc()
}
