package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes recorded in relay_requests_total.
const (
	outcomeOK          = "ok"
	outcomeBadRequest  = "bad_request"
	outcomeUpstream    = "upstream_error"
	outcomeEmpty       = "empty_stream"
	outcomeInterrupted = "interrupted"
	outcomeClientGone  = "client_gone"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry  *prometheus.Registry
	requests  *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	inflight  *prometheus.GaugeVec
	firstByte *prometheus.HistogramVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the relay collectors plus Go runtime and process
// collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Relay requests by route and outcome.",
		}, []string{"route", "outcome"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_stream_bytes_total",
			Help: "Bytes forwarded from upstream to callers.",
		}, []string{"route"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_streams_in_flight",
			Help: "Streams currently being relayed.",
		}, []string{"route"}),
		firstByte: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_upstream_first_byte_seconds",
			Help:    "Time from request to the first upstream byte.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"route"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_stream_duration_seconds",
			Help:    "Total relay stream duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"route"}),
	}
	m.registry.MustRegister(
		m.requests, m.bytes, m.inflight, m.firstByte, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
