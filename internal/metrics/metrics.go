// Package metrics exposes classroom pipeline metrics to Prometheus.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koscakluka/ema-classroom/core/events"
)

// Metrics holds the Prometheus collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	DiagnosticsTotal   *prometheus.CounterVec
	PersonaTransitions *prometheus.CounterVec
}

// TranscriptionGauge is satisfied by speechtotext.Limiter.
type TranscriptionGauge interface {
	InFlight() int
	Waiting() int
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "classroom"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active classroom sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of session start attempts",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Session duration in seconds",
			Buckets:   []float64{10, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	diagnosticsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostics_total",
			Help:      "Degraded-behavior diagnostics by code",
		},
		[]string{"code"},
	)

	personaTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persona_transitions_total",
			Help:      "Persona changes applied to the fast path",
		},
		[]string{"persona"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		diagnosticsTotal,
		personaTransitions,
	)

	return &Metrics{
		registry:           registry,
		SessionsActive:     sessionsActive,
		SessionsTotal:      sessionsTotal,
		SessionDuration:    sessionDuration,
		DiagnosticsTotal:   diagnosticsTotal,
		PersonaTransitions: personaTransitions,
	}
}

// ObserveTranscriptions exports the shared transcription ceiling usage.
func (m *Metrics) ObserveTranscriptions(namespace string, gauge TranscriptionGauge) {
	if namespace == "" {
		namespace = "classroom"
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcriptions_in_flight",
			Help:      "Transcriptions currently holding a concurrency slot",
		}, func() float64 { return float64(gauge.InFlight()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transcriptions_waiting",
			Help:      "Transcriptions waiting for a concurrency slot",
		}, func() float64 { return float64(gauge.Waiting()) }),
	)
}

func (m *Metrics) SessionStarted() {
	m.SessionsActive.Inc()
	m.SessionsTotal.WithLabelValues("started").Inc()
}

func (m *Metrics) SessionFailed() {
	m.SessionsTotal.WithLabelValues("failed").Inc()
}

func (m *Metrics) SessionStopped(duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordDiagnostic counts d. It is safe to use as a diagnostic handler.
func (m *Metrics) RecordDiagnostic(d events.Diagnostic) {
	m.DiagnosticsTotal.WithLabelValues(string(d.Code)).Inc()
	if d.Code == events.DiagnosticPersonaTransition {
		persona := d.Detail
		if i := strings.LastIndex(persona, "->"); i >= 0 {
			persona = strings.TrimSpace(persona[i+2:])
		}
		m.PersonaTransitions.WithLabelValues(persona).Inc()
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
