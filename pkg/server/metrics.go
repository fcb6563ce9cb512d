package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "rkchat"

// Metrics holds the server's Prometheus collectors. Each instance owns its
// own registry so several servers can live in one process (tests do this).
type Metrics struct {
	registry *prometheus.Registry

	activeSessions    prometheus.Gauge
	authenticated     prometheus.Gauge
	connections       *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of open client connections",
		}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "authenticated_users",
			Help:      "Number of connections with a bound username",
		}),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Accepted connections by transport",
		}, []string{"transport"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from clients by type",
		}, []string{"type"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to clients by type",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "delivery_failures_total",
			Help:      "Frames that could not be written to a recipient",
		}, []string{"type"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejections_total",
			Help:      "SYSTEM error replies by reason",
		}, []string{"reason"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan one broadcast out to every session",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.authenticated,
		m.connections,
		m.framesReceived,
		m.framesSent,
		m.deliveryFailures,
		m.rejections,
		m.broadcastDuration,
	)
	return m
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(n int) { m.activeSessions.Set(float64(n)) }

func (m *Metrics) RecordUsers(n int) { m.authenticated.Set(float64(n)) }

func (m *Metrics) RecordConnection(transport string) {
	m.connections.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordFrameReceived(frameType string) {
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordFramesSent(frameType string, n int) {
	m.framesSent.WithLabelValues(frameType).Add(float64(n))
}

func (m *Metrics) RecordDeliveryFailure(frameType string) {
	m.deliveryFailures.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordRejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveBroadcast(d time.Duration) {
	m.broadcastDuration.Observe(d.Seconds())
}
