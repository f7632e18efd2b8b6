package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "headlesslogs"

// Metrics are the bridge's Prometheus collectors, registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	TaskQueries      *prometheus.CounterVec
	TaskQueryLatency prometheus.Histogram
	StreamsOpened    prometheus.Counter
	ActiveStreams    prometheus.Gauge
	StreamsClosed    *prometheus.CounterVec
	StreamDuration   *prometheus.HistogramVec
	ChunksRelayed    prometheus.Counter
	BytesRelayed     prometheus.Counter
	HTTPRequests     *prometheus.CounterVec
	RejectedRequests *prometheus.CounterVec
	WebSessions      prometheus.Gauge
	EventsDropped    prometheus.Counter
}

// NewMetrics registers the bridge metrics on a fresh registry. When
// withRuntime is set the Go and process collectors are registered too.
func NewMetrics(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TaskQueries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "task_queries_total",
				Help:      "Task-list queries sent to workspace agents, by result code.",
			},
			[]string{"result"},
		),
		TaskQueryLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "task_query_latency_seconds",
				Help:      "Task-list query latency in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 11), // 5ms to ~5s
			},
		),
		StreamsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "streams_opened_total",
				Help:      "Log streams opened against workspace agents.",
			},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "streams_active",
				Help:      "Log streams currently holding an upstream subscription.",
			},
		),
		StreamsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "streams_closed_total",
				Help:      "Log streams closed, by final state and error code.",
			},
			[]string{"state", "code"},
		),
		StreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "stream_duration_seconds",
				Help:      "Lifetime of log streams in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9), // 100ms to ~2h
			},
			[]string{"state"},
		),
		ChunksRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "chunks_total",
				Help:      "Chunks delivered downstream.",
			},
		),
		BytesRelayed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "bytes_total",
				Help:      "Decoded terminal output bytes delivered downstream.",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code.",
			},
			[]string{"route", "status"},
		),
		RejectedRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "rejected_total",
				Help:      "Log requests rejected before streaming, by reason.",
			},
			[]string{"reason"},
		),
		WebSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "web_sessions_total",
				Help:      "Number of unexpired web sessions.",
			},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "notify",
				Name:      "events_dropped_total",
				Help:      "Stream events dropped because the publish queue was full.",
			},
		),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
