package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	ReapedSessions    *prometheus.CounterVec
	GatewayErrors     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	GatewayLatency    *prometheus.HistogramVec

	latency *latencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of monitoring sessions currently held in the registry.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Monitoring session lifecycle events by type.",
		}, []string{"event"}),
		ReapedSessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaped_sessions_total",
			Help:      "Ghost sessions removed by reconciliation, by reason.",
		}, []string{"reason"}),
		GatewayErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Transport control-plane errors by operation and class.",
		}, []string{"op", "class"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ReconcileDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_ms",
			Help:      "Duration of a ghost-session reconciliation pass in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		GatewayLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_latency_ms",
			Help:      "Transport control-plane call latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"op"}),
		latency: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveReconcile(d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(float64(d.Milliseconds()))
	m.latency.Observe("reconcile", float64(d.Microseconds())/1000)
}

// ObserveLatency records one gateway call.
func (m *Metrics) ObserveLatency(op string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.GatewayLatency.WithLabelValues(op).Observe(ms)
	m.latency.Observe(op, ms)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Ops: []LatencyStats{}}
	}
	return m.latency.Snapshot()
}

func (m *Metrics) ObserveSessionEvent(event string, active int) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
	m.ActiveSessions.Set(float64(active))
}

func (m *Metrics) ObserveReaped(reason string) {
	if m == nil {
		return
	}
	m.ReapedSessions.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveGatewayError(op, class string) {
	if m == nil {
		return
	}
	m.GatewayErrors.WithLabelValues(op, class).Inc()
	m.latency.ObserveOutcome(op + ":" + class)
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
