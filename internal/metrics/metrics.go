// Package metrics holds the Prometheus collectors for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors. Everything is registered against an injected
// registerer so tests can use isolated registries.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveStreams    prometheus.Gauge
	ProxyRetries     *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CredentialCache  *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	DroppedSubs      prometheus.Counter
	StreamChunks     *prometheus.CounterVec
	ConflictRetries  prometheus.Counter
	ToolIterations   prometheus.Histogram
}

// New creates and registers all gateway metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gateway",
			Name:      "active_streams",
			Help:      "Number of currently open SSE streams.",
		}),

		ProxyRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "proxy_retries_total",
			Help:      "Total proxy retries on transport errors.",
		}, []string{"backend"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "upstream_errors_total",
			Help:      "Total upstream transport failures after retries.",
		}, []string{"backend", "kind"}),

		CredentialCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "credential_cache_total",
			Help:      "Credential validation cache hits and misses.",
		}, []string{"outcome"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"type"}),

		DroppedSubs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "eventbus_dropped_subscriptions_total",
			Help:      "Subscriptions skipped because the event bus was unavailable.",
		}),

		StreamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "stream_chunks_total",
			Help:      "SSE events emitted, by event type.",
		}, []string{"type"}),

		ConflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "store_conflict_retries_total",
			Help:      "Optimistic concurrency retries in the conversation store.",
		}),

		ToolIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "tool_iterations",
			Help:      "Tool loop iterations per tool-path chat request.",
			Buckets:   []float64{0, 1, 2, 3, 4},
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveStreams,
		m.ProxyRetries,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CredentialCache,
		m.RateLimitRejects,
		m.DroppedSubs,
		m.StreamChunks,
		m.ConflictRetries,
		m.ToolIterations,
	)

	return m
}
