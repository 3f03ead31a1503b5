// Package metrics holds the Prometheus instruments for the voice
// gateway. One Metrics value is built at startup, threaded through the
// handlers and the session runtime, and exposed on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP surface
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Voice sessions
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	// Turns and audio
	TurnsTotal      *prometheus.CounterVec
	AudioBytesTotal *prometheus.CounterVec

	// Admission and reconnect
	ThrottleHits *prometheus.CounterVec
	ResumesTotal *prometheus.CounterVec

	// Backend stage calls
	BackendCallDuration *prometheus.HistogramVec

	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with every instrument registered
// on a private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice_agent"
	}

	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"endpoint"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live voice sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total voice sessions by mode and final status",
		},
		[]string{"mode", "status"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total conversation turns by outcome",
		},
		[]string{"outcome"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Total PCM bytes moved across the transport",
		},
		[]string{"direction"},
	)

	throttleHits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_hits_total",
			Help:      "Total admissions denied by the session guard",
		},
		[]string{"scope"},
	)

	resumesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumes_total",
			Help:      "Total reconnect attempts with a resume token",
		},
		[]string{"outcome"},
	)

	backendCallDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Backend stage call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"backend", "stage", "status"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		},
		[]string{"type"},
	)

	registry.MustRegister(
		requestsTotal,
		requestDuration,
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		turnsTotal,
		audioBytesTotal,
		throttleHits,
		resumesTotal,
		backendCallDuration,
		errorsTotal,
	)

	return &Metrics{
		registry:            registry,
		RequestsTotal:       requestsTotal,
		RequestDuration:     requestDuration,
		SessionsActive:      sessionsActive,
		SessionsTotal:       sessionsTotal,
		SessionDuration:     sessionDuration,
		TurnsTotal:          turnsTotal,
		AudioBytesTotal:     audioBytesTotal,
		ThrottleHits:        throttleHits,
		ResumesTotal:        resumesTotal,
		BackendCallDuration: backendCallDuration,
		ErrorsTotal:         errorsTotal,
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(endpoint, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordSessionStart records a voice session being admitted.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a voice session reaching a terminal state.
func (m *Metrics) RecordSessionEnd(mode, status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(mode, status).Inc()
	m.SessionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordTurn records a turn reaching a terminal state.
func (m *Metrics) RecordTurn(outcome string) {
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordAudio records PCM bytes crossing the transport. Direction is
// "in" for capture, "out" for playback.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if bytes > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordThrottle records an admission denied by the session guard.
func (m *Metrics) RecordThrottle(scope string) {
	m.ThrottleHits.WithLabelValues(scope).Inc()
}

// RecordResume records a reconnect attempt carrying a resume token.
func (m *Metrics) RecordResume(outcome string) {
	m.ResumesTotal.WithLabelValues(outcome).Inc()
}

// RecordBackendCall records one stage call against a backend.
func (m *Metrics) RecordBackendCall(backend, stage string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BackendCallDuration.WithLabelValues(backend, stage, status).Observe(duration.Seconds())
}

// RecordError records an error by canonical type.
func (m *Metrics) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
