package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SinkMetrics holds Prometheus series for the optional EventHub sinks
// (Redis snapshot cache, Postgres history, AMQP bridge): concerns the
// engine core itself has no opinion on but a host process still wants
// visibility into.
type SinkMetrics struct {
	ErrorsTotal         *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	MessagesPublished   *prometheus.CounterVec
	DatabaseConnections *prometheus.GaugeVec
}

// NewSinkMetrics registers the sink-level series.
func NewSinkMetrics() *SinkMetrics {
	return &SinkMetrics{
		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_sink_errors_total",
				Help: "Total number of errors raised by an EventHub sink",
			},
			[]string{"sink", "error_type"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workflow_sink_queue_depth",
				Help: "Depth of a sink's outbound queue, where applicable",
			},
			[]string{"sink"},
		),
		MessagesPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_sink_messages_published_total",
				Help: "Total number of events a sink has published downstream",
			},
			[]string{"sink", "status"},
		),
		DatabaseConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "workflow_sink_database_connections",
				Help: "Connection pool state for a database-backed sink",
			},
			[]string{"sink", "state"},
		),
	}
}

// RecordError records a sink error metric.
func (m *SinkMetrics) RecordError(sink, errorType string) {
	m.ErrorsTotal.WithLabelValues(sink, errorType).Inc()
}

// SetQueueDepth sets the queue depth metric for a sink.
func (m *SinkMetrics) SetQueueDepth(sink string, depth float64) {
	m.QueueDepth.WithLabelValues(sink).Set(depth)
}

// RecordPublished records a message a sink forwarded downstream.
func (m *SinkMetrics) RecordPublished(sink, status string) {
	m.MessagesPublished.WithLabelValues(sink, status).Inc()
}

// SetDatabaseConnections sets database connection metrics for a sink.
func (m *SinkMetrics) SetDatabaseConnections(sink, state string, count float64) {
	m.DatabaseConnections.WithLabelValues(sink, state).Set(count)
}
