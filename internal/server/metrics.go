package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type sessionMetrics struct {
	activeSessions prometheus.Gauge
	sessionTotal   prometheus.Counter
	authRejected   prometheus.Counter
	forcedLogouts  *prometheus.CounterVec
	requestErrors  *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	framesDropped  *prometheus.CounterVec
}

func newSessionMetrics(reg prometheus.Registerer) *sessionMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &sessionMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fmtc_sessions_active",
			Help: "Current number of active client sessions on the node.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_sessions_total",
			Help: "Total number of authenticated sessions since start.",
		}),
		authRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_sessions_rejected_total",
			Help: "Client connections refused by the delegate or by a newer login.",
		}),
		forcedLogouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fmtc_sessions_forced_logout_total",
			Help: "Sessions forced out, grouped by reason.",
		}, []string{"reason"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fmtc_client_request_errors_total",
			Help: "Client requests that failed, grouped by error code.",
		}, []string{"code"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fmtc_client_request_latency_seconds",
			Help:    "Latency for serving client requests.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fmtc_client_frames_dropped_total",
			Help: "Inbound client packets discarded, grouped by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.authRejected,
		m.forcedLogouts,
		m.requestErrors,
		m.requestLatency,
		m.framesDropped,
	)
	return m
}

func (m *sessionMetrics) incSession() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
	m.sessionTotal.Inc()
}

func (m *sessionMetrics) decSession() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *sessionMetrics) recordRejected() {
	if m == nil {
		return
	}
	m.authRejected.Inc()
}

func (m *sessionMetrics) recordForcedLogout(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.forcedLogouts.WithLabelValues(reason).Inc()
}

func (m *sessionMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(code).Inc()
}

func (m *sessionMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.requestLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func (m *sessionMetrics) recordDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}
