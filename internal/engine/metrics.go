package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus series the engine updates as executions and
// step attempts move through the state machine.
type Metrics struct {
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	stepAttempts        *prometheus.CounterVec
	stepRetries         *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	stepDuration        *prometheus.HistogramVec
	activeExecutions    prometheus.Gauge
}

// NewMetrics registers a fresh set of series. Callers normally construct one
// Metrics per process; constructing more than one will panic on duplicate
// registration with the default prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		executionsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_started_total",
				Help: "Total number of workflow executions started",
			},
			[]string{"workflow_id"},
		),
		executionsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_executions_completed_total",
				Help: "Total number of workflow executions that reached a terminal status",
			},
			[]string{"workflow_id", "status"},
		),
		stepAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_step_attempts_total",
				Help: "Total number of step attempts by outcome",
			},
			[]string{"workflow_id", "step_id", "status"},
		),
		stepRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_step_retries_total",
				Help: "Total number of step retry events emitted",
			},
			[]string{"workflow_id", "step_id"},
		),
		executionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_execution_duration_seconds",
				Help:    "Duration of workflow executions from start to terminal status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow_id"},
		),
		stepDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "workflow_step_duration_seconds",
				Help:    "Duration of individual step attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"workflow_id", "step_id"},
		),
		activeExecutions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "workflow_active_executions",
				Help: "Number of executions currently not in a terminal status",
			},
		),
	}
}

func (m *Metrics) executionStarted(workflowID string) {
	m.executionsStarted.WithLabelValues(workflowID).Inc()
	m.activeExecutions.Inc()
}

func (m *Metrics) executionFinished(workflowID, status string, duration time.Duration) {
	m.executionsCompleted.WithLabelValues(workflowID, status).Inc()
	m.executionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
	m.activeExecutions.Dec()
}

func (m *Metrics) stepAttempt(workflowID, stepID, status string, duration time.Duration) {
	m.stepAttempts.WithLabelValues(workflowID, stepID, status).Inc()
	m.stepDuration.WithLabelValues(workflowID, stepID).Observe(duration.Seconds())
}

func (m *Metrics) stepRetried(workflowID, stepID string) {
	m.stepRetries.WithLabelValues(workflowID, stepID).Inc()
}
