// Package metrics provides Prometheus metrics for the Wave agent: a
// promauto-backed struct of gauges/counters/histograms plus Record*
// helpers, covering exactly the components Wave has. No frame-level
// counters or handshake/keepalive/route-advertisement histograms,
// since Wave has no application-layer handshake frame or gossiped
// routing protocol (NodeId verification happens at the TLS layer, and
// routes are static config reloaded wholesale, not advertised
// incrementally).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wave"

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	// Peer transport (C8)
	PeersConnected  prometheus.Gauge
	PeersTotal      prometheus.Counter
	PeerConnections *prometheus.CounterVec
	PeerDisconnects *prometheus.CounterVec

	// Bi-streams (C6/C7)
	StreamsActive     prometheus.Gauge
	StreamsOpened     prometheus.Counter
	StreamsClosed     prometheus.Counter
	StreamOpenLatency prometheus.Histogram
	StreamErrors      *prometheus.CounterVec

	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	// Router (C5)
	RoutesTotal prometheus.Gauge

	// Client dispatcher (C6)
	SOCKS5Connections      prometheus.Gauge
	SOCKS5ConnectionsTotal prometheus.Counter
	SOCKS5ConnectLatency   prometheus.Histogram

	// Server dispatcher (C7)
	ExitConnections      prometheus.Gauge
	ExitConnectionsTotal prometheus.Counter
	ExitDNSQueries       prometheus.Counter
	ExitDNSLatency       prometheus.Histogram
	ExitErrors           *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a Metrics instance registered against the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a Metrics instance against a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected peers",
		}),
		PeersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_total",
			Help:      "Total number of peer connections established",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer connections by direction",
		}, []string{"direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer disconnections by reason",
		}, []string{"reason"}),

		StreamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Number of currently active bi-streams",
		}),
		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total number of bi-streams opened",
		}),
		StreamsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_closed_total",
			Help:      "Total number of bi-streams closed",
		}),
		StreamOpenLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_open_latency_seconds",
			Help:      "Histogram of bi-stream open latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		StreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_errors_total",
			Help:      "Total bi-stream errors by type",
		}, []string{"error_type"}),

		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by direction",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by direction",
		}, []string{"type"}),

		RoutesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Total number of routes in the current router snapshot",
		}),

		SOCKS5Connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "socks5_connections_active",
			Help:      "Number of active SOCKS5 client sessions",
		}),
		SOCKS5ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socks5_connections_total",
			Help:      "Total SOCKS5 client sessions",
		}),
		SOCKS5ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socks5_connect_latency_seconds",
			Help:      "Histogram of SOCKS5 CONNECT request latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		ExitConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exit_connections_active",
			Help:      "Number of active server-side exit connections",
		}),
		ExitConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exit_connections_total",
			Help:      "Total server-side exit connections",
		}),
		ExitDNSQueries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exit_dns_queries_total",
			Help:      "Total DNS queries performed resolving Host.Domain routes",
		}),
		ExitDNSLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exit_dns_latency_seconds",
			Help:      "Histogram of DNS query latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		ExitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exit_errors_total",
			Help:      "Total server dispatcher errors by type",
		}, []string{"error_type"}),
	}
}

// RecordPeerConnect records a new peer connection.
func (m *Metrics) RecordPeerConnect(direction string) {
	m.PeersConnected.Inc()
	m.PeersTotal.Inc()
	m.PeerConnections.WithLabelValues(direction).Inc()
}

// RecordPeerDisconnect records a peer disconnection.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// RecordStreamOpen records a bi-stream being opened.
func (m *Metrics) RecordStreamOpen(latencySeconds float64) {
	m.StreamsActive.Inc()
	m.StreamsOpened.Inc()
	m.StreamOpenLatency.Observe(latencySeconds)
}

// RecordStreamClose records a bi-stream being closed.
func (m *Metrics) RecordStreamClose() {
	m.StreamsActive.Dec()
	m.StreamsClosed.Inc()
}

// RecordStreamError records a bi-stream error.
func (m *Metrics) RecordStreamError(errorType string) {
	m.StreamErrors.WithLabelValues(errorType).Inc()
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// SetRoutesTotal sets the total number of routes in the current snapshot.
func (m *Metrics) SetRoutesTotal(count int) {
	m.RoutesTotal.Set(float64(count))
}

// RecordSOCKS5Connect records a SOCKS5 client session starting.
func (m *Metrics) RecordSOCKS5Connect() {
	m.SOCKS5Connections.Inc()
	m.SOCKS5ConnectionsTotal.Inc()
}

// RecordSOCKS5Disconnect records a SOCKS5 client session ending.
func (m *Metrics) RecordSOCKS5Disconnect() {
	m.SOCKS5Connections.Dec()
}

// RecordSOCKS5Latency records SOCKS5 CONNECT request latency.
func (m *Metrics) RecordSOCKS5Latency(latencySeconds float64) {
	m.SOCKS5ConnectLatency.Observe(latencySeconds)
}

// RecordExitConnect records a server-side exit connection starting.
func (m *Metrics) RecordExitConnect() {
	m.ExitConnections.Inc()
	m.ExitConnectionsTotal.Inc()
}

// RecordExitDisconnect records a server-side exit connection ending.
func (m *Metrics) RecordExitDisconnect() {
	m.ExitConnections.Dec()
}

// RecordExitDNS records a DNS query resolving a Host.Domain route.
func (m *Metrics) RecordExitDNS(latencySeconds float64) {
	m.ExitDNSQueries.Inc()
	m.ExitDNSLatency.Observe(latencySeconds)
}

// RecordExitError records a server dispatcher error.
func (m *Metrics) RecordExitError(errorType string) {
	m.ExitErrors.WithLabelValues(errorType).Inc()
}
