// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "socks_tunnel"

// Metrics holds the counters and histograms both the client and server
// binaries export over /metrics.
type Metrics struct {
	ConnectionsActive    prometheus.Gauge
	ConnectionsTotal     *prometheus.CounterVec // label: dialect
	ConnectionErrors     *prometheus.CounterVec // label: reason
	RouteVerdicts        *prometheus.CounterVec // label: verdict
	BytesTransferred     *prometheus.CounterVec // label: direction (upstream|downstream)
	HandshakeLatency     prometheus.Histogram
	UpstreamDialLatency  prometheus.Histogram
	TLSHandshakeFailures prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, creating it on first
// use against the default Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics registers a fresh set of metrics against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers a fresh set of metrics against reg,
// letting tests use a private registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open connections that have a parsed request",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted connections by dialect",
		}, []string{"dialect"}),
		ConnectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total per-connection terminal errors by reason",
		}, []string{"reason"}),
		RouteVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_verdicts_total",
			Help:      "Total routing verdicts by outcome",
		}, []string{"verdict"}),
		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Total bytes copied during the splice phase by direction",
		}, []string{"direction"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Time from accept to a parsed Request, in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		UpstreamDialLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_latency_seconds",
			Help:      "Time to establish the outbound TCP connection, in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		TLSHandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tls_handshake_failures_total",
			Help:      "Total TLS tunnel handshake failures (client or server side)",
		}),
	}
}

// RecordConnect records a newly accepted connection of the given dialect.
func (m *Metrics) RecordConnect(dialect string) {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.WithLabelValues(dialect).Inc()
}

// RecordDisconnect records the end of a connection previously counted by
// RecordConnect.
func (m *Metrics) RecordDisconnect() {
	m.ConnectionsActive.Dec()
}

// RecordError records a terminal per-connection error by reason.
func (m *Metrics) RecordError(reason string) {
	m.ConnectionErrors.WithLabelValues(reason).Inc()
}

// RecordVerdict records a routing decision.
func (m *Metrics) RecordVerdict(verdict string) {
	m.RouteVerdicts.WithLabelValues(verdict).Inc()
}

// RecordBytes records bytes copied in one direction of the splice phase.
func (m *Metrics) RecordBytes(direction string, n int64) {
	m.BytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// Handler returns the HTTP handler that exposes metrics registered against
// the default Prometheus registry, for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
