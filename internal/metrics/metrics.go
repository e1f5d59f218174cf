// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// streamBuckets cover log streams held open from seconds to hours.
var streamBuckets = []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  prometheus.Counter

	ForbiddenTotal prometheus.Counter
	StreamsActive  prometheus.Gauge
	StreamDuration prometheus.Histogram
	BytesRelayed   *prometheus.CounterVec

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// prefixes are the route prefixes used as bounded path labels; anything else is "other".
func New(prefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riona_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riona_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, log streams excluded.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riona_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riona_relay_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riona_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riona_relay_upstream_failures_total",
			Help: "Upstream requests that failed before a response arrived.",
		}),

		ForbiddenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riona_relay_forbidden_total",
			Help: "Requests rejected by the sub-path allow-list.",
		}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riona_relay_streams_active",
			Help: "Log streams currently being relayed.",
		}),

		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "riona_relay_stream_duration_seconds",
			Help:    "Lifetime of relayed log streams in seconds.",
			Buckets: streamBuckets,
		}),

		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "riona_relay_response_bytes_total",
			Help: "Response body bytes relayed from the backend.",
		}, []string{"kind"}),

		prefixes: prefixes,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.ForbiddenTotal,
		m.StreamsActive,
		m.StreamDuration,
		m.BytesRelayed,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
