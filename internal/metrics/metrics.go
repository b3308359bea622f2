// Package metrics provides Prometheus metrics for the forge pipeline.
//
// All Record helpers are safe on a nil *Metrics so components can run
// without instrumentation in tests and one-shot CLI invocations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the forge pipeline.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	PhaseDuration      *prometheus.HistogramVec
	GenerationTasks    *prometheus.CounterVec
	ValidationFindings *prometheus.CounterVec
	HandoffsTotal      *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	RunsActive         prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_runs_total",
				Help: "Total workflow runs by terminal outcome.",
			},
			[]string{"outcome"},
		),
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_phase_duration_seconds",
				Help:    "Time spent in each workflow phase.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		GenerationTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_generation_tasks_total",
				Help: "Generation tasks by terminal status.",
			},
			[]string{"status"},
		),
		ValidationFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_validation_findings_total",
				Help: "Validation findings by validator and severity.",
			},
			[]string{"validator", "severity"},
		),
		HandoffsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_handoffs_total",
				Help: "Handoff bus operations by operation and result.",
			},
			[]string{"op", "result"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_errors_total",
				Help: "Total errors by module and type.",
			},
			[]string{"module", "type"},
		),
		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_runs_active",
				Help: "Number of workflow runs not yet terminal.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.RunsTotal)
	reg.MustRegister(m.PhaseDuration)
	reg.MustRegister(m.GenerationTasks)
	reg.MustRegister(m.ValidationFindings)
	reg.MustRegister(m.HandoffsTotal)
	reg.MustRegister(m.ErrorsTotal)
	reg.MustRegister(m.RunsActive)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordRun increments the terminal outcome counter.
func (m *Metrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// ObservePhase records how long a phase took.
func (m *Metrics) ObservePhase(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordTask increments the generation task counter.
func (m *Metrics) RecordTask(status string) {
	if m == nil {
		return
	}
	m.GenerationTasks.WithLabelValues(status).Inc()
}

// RecordFinding increments the validation findings counter.
func (m *Metrics) RecordFinding(validator, severity string) {
	if m == nil {
		return
	}
	m.ValidationFindings.WithLabelValues(validator, severity).Inc()
}

// RecordHandoff increments the handoff operation counter.
func (m *Metrics) RecordHandoff(op, result string) {
	if m == nil {
		return
	}
	m.HandoffsTotal.WithLabelValues(op, result).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(module, errType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(module, errType).Inc()
}

// RunStarted and RunFinished track the active run gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

func (m *Metrics) RunFinished() {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
}
