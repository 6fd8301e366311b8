package relay

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects relay counters. All record methods are safe on a nil
// receiver so the server can run without a registry.
type Metrics struct {
	activeConnections prometheus.Gauge
	connectionsTotal  prometheus.Counter
	activeSessions    prometheus.Gauge
	framesRelayed     *prometheus.CounterVec
	frameErrors       *prometheus.CounterVec
	frameLatency      *prometheus.HistogramVec
	deliveryFailures  prometheus.Counter
	idleEvictions     prometheus.Counter
}

// NewMetrics registers the relay's collectors. A nil registerer falls back to
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionwire_relay_connections_active",
			Help: "Current number of authenticated relay connections.",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_relay_connections_total",
			Help: "Total relay connections accepted since start.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessionwire_relay_sessions_active",
			Help: "Current number of sessions with at least one participant.",
		}),
		framesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_relay_frames_total",
			Help: "Frames handled, grouped by type.",
		}, []string{"type"}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessionwire_relay_errors_total",
			Help: "Frame validation or routing errors, grouped by code.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sessionwire_relay_frame_latency_seconds",
			Help:    "Latency for handling relay frames.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_relay_delivery_failures_total",
			Help: "Frames that reached no participant.",
		}),
		idleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessionwire_relay_idle_evictions_total",
			Help: "Connections evicted for exceeding the idle window.",
		}),
	}

	reg.MustRegister(
		m.activeConnections,
		m.connectionsTotal,
		m.activeSessions,
		m.framesRelayed,
		m.frameErrors,
		m.frameLatency,
		m.deliveryFailures,
		m.idleEvictions,
	)
	return m
}

func (m *Metrics) incConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
	m.connectionsTotal.Inc()
}

func (m *Metrics) decConnection() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func (m *Metrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) recordFrame(t FrameType) {
	if m == nil {
		return
	}
	m.framesRelayed.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) observeLatency(t FrameType, d time.Duration) {
	if m == nil {
		return
	}
	m.frameLatency.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (m *Metrics) recordDeliveryFailure() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) recordEviction() {
	if m == nil {
		return
	}
	m.idleEvictions.Inc()
}
