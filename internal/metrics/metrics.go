package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Executions
	executions     *prometheus.CounterVec
	executionSteps prometheus.Histogram
	compositions   prometheus.Counter

	// Validation sessions
	sessions        *prometheus.CounterVec
	answers         *prometheus.CounterVec
	casesGenerated  *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	validationScore *prometheus.GaugeVec

	// Catalog and maintenance
	catalogDocuments *prometheus.CounterVec
	jobRuns          *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdict_executions_total",
				Help: "Workflow executions by outcome (ok or an error code)",
			},
			[]string{"outcome"},
		),

		executionSteps: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "verdict_execution_steps",
				Help:    "Blocks visited per top-level execution",
				Buckets: prometheus.ExponentialBuckets(1, 2, 11),
			},
		),

		compositions: f.NewCounter(
			prometheus.CounterOpts{
				Name: "verdict_workflow_refs_resolved_total",
				Help: "Child workflow invocations through workflow reference blocks",
			},
		),

		sessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdict_sessions_total",
				Help: "Validation session transitions by resulting status",
			},
			[]string{"status"},
		),

		answers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdict_answers_total",
				Help: "Submitted validation answers by match result",
			},
			[]string{"matched"},
		),

		casesGenerated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdict_cases_generated_total",
				Help: "Generated validation cases by strategy",
			},
			[]string{"strategy"},
		),

		activeSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "verdict_active_sessions",
				Help: "Validation sessions currently in progress",
			},
		),

		validationScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "verdict_workflow_validation_score",
				Help: "Accumulated validation score of a workflow after its last completed session",
			},
			[]string{"workflow_id"},
		),

		catalogDocuments: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdict_catalog_documents_total",
				Help: "Workflow documents processed by catalog loads, by result (loaded or failed)",
			},
			[]string{"result"},
		),

		jobRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdict_maintenance_runs_total",
				Help: "Maintenance job runs by job and status",
			},
			[]string{"job", "status"},
		),
	}
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ExecutionFinished records one top-level execution. outcome is "ok" or an error code.
func (m *Metrics) ExecutionFinished(outcome string, steps int) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.executionSteps.Observe(float64(steps))
}

// WorkflowRefResolved records one child workflow invocation.
func (m *Metrics) WorkflowRefResolved() {
	if m == nil {
		return
	}
	m.compositions.Inc()
}

// SessionStarted records a new in-progress session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues("in_progress").Inc()
	m.activeSessions.Inc()
}

// SessionEnded records a session reaching a terminal status.
func (m *Metrics) SessionEnded(status string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(status).Inc()
	m.activeSessions.Dec()
}

// AnswerSubmitted records one answer.
func (m *Metrics) AnswerSubmitted(matched bool) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(strconv.FormatBool(matched)).Inc()
}

// CasesGenerated records n generated cases for a strategy.
func (m *Metrics) CasesGenerated(strategy string, n int) {
	if m == nil {
		return
	}
	m.casesGenerated.WithLabelValues(strategy).Add(float64(n))
}

// ValidationScore publishes a workflow's merged score.
func (m *Metrics) ValidationScore(workflowID string, score float64) {
	if m == nil {
		return
	}
	m.validationScore.WithLabelValues(workflowID).Set(score)
}

// CatalogLoaded records the outcome of one catalog directory load.
func (m *Metrics) CatalogLoaded(loaded, failed int) {
	if m == nil {
		return
	}
	m.catalogDocuments.WithLabelValues("loaded").Add(float64(loaded))
	m.catalogDocuments.WithLabelValues("failed").Add(float64(failed))
}

// JobRan records one maintenance job run. status is "success" or "error".
func (m *Metrics) JobRan(job, status string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
}
