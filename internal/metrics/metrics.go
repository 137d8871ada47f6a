package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics holds HTTP-related Prometheus metrics
type HTTPMetrics struct {
	RequestDuration  *prometheus.HistogramVec
	RequestsTotal    *prometheus.CounterVec
	RequestsInFlight prometheus.Gauge
}

// NewHTTPMetrics creates HTTP metrics collectors
func NewHTTPMetrics(namespace string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
	}
}

// PipelineMetrics holds image pipeline Prometheus metrics
type PipelineMetrics struct {
	StageDuration *prometheus.HistogramVec
	RunsTotal     *prometheus.CounterVec
	RunsActive    prometheus.Gauge
	Rejected      prometheus.Counter
}

// NewPipelineMetrics creates pipeline metrics collectors
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	return &PipelineMetrics{
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Duration of a single pipeline stage in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"stage"},
		),
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Total number of pipeline runs",
			},
			[]string{"mode", "status"},
		),
		RunsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_active",
				Help:      "Number of pipeline runs in progress",
			},
		),
		Rejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_rejected_total",
				Help:      "Runs rejected because the editor was busy or saturated",
			},
		),
	}
}

// BatchMetrics holds batch processing Prometheus metrics
type BatchMetrics struct {
	ProcessingDuration *prometheus.HistogramVec
	BatchesTotal       *prometheus.CounterVec
	ItemsTotal         *prometheus.CounterVec
	BatchesActive      prometheus.Gauge
}

// NewBatchMetrics creates batch metrics collectors
func NewBatchMetrics(namespace string) *BatchMetrics {
	return &BatchMetrics{
		ProcessingDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_processing_duration_seconds",
				Help:      "Batch processing duration in seconds",
				Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		BatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_total",
				Help:      "Total number of batches processed",
			},
			[]string{"status"},
		),
		ItemsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_items_total",
				Help:      "Total number of batch items processed",
			},
			[]string{"status"},
		),
		BatchesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batches_active",
				Help:      "Number of batches currently processing",
			},
		),
	}
}

// QueueMetrics holds queue-related Prometheus metrics
type QueueMetrics struct {
	MessagesProduced prometheus.Counter
	MessagesConsumed prometheus.Counter
	MessagesFailed   prometheus.Counter
	ConsumeDuration  prometheus.Histogram
}

// NewQueueMetrics creates queue metrics collectors
func NewQueueMetrics(namespace string) *QueueMetrics {
	return &QueueMetrics{
		MessagesProduced: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_produced_total",
				Help:      "Total number of messages produced to the queue",
			},
		),
		MessagesConsumed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_consumed_total",
				Help:      "Total number of messages consumed from the queue",
			},
		),
		MessagesFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_messages_failed_total",
				Help:      "Total number of messages that could not be read or decoded",
			},
		),
		ConsumeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "queue_consume_duration_seconds",
				Help:      "Time spent consuming messages from the queue",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5, 10},
			},
		),
	}
}

// StorageMetrics holds storage operation Prometheus metrics
type StorageMetrics struct {
	OperationDuration *prometheus.HistogramVec
	OperationsTotal   *prometheus.CounterVec
	BytesTransferred  *prometheus.CounterVec
}

// NewStorageMetrics creates storage metrics collectors
func NewStorageMetrics(namespace string) *StorageMetrics {
	return &StorageMetrics{
		OperationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_operation_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation", "status"},
		),
		OperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),
		BytesTransferred: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_bytes_transferred_total",
				Help:      "Total number of bytes transferred to/from storage",
			},
			[]string{"operation"},
		),
	}
}

// DatabaseMetrics holds database operation Prometheus metrics
type DatabaseMetrics struct {
	QueryDuration     *prometheus.HistogramVec
	ConnectionsActive prometheus.Gauge
}

// NewDatabaseMetrics creates database metrics collectors
func NewDatabaseMetrics(namespace string) *DatabaseMetrics {
	return &DatabaseMetrics{
		QueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "database_query_duration_seconds",
				Help:      "Database query duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation", "status"},
		),
		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "database_connections_active",
				Help:      "Number of active database connections",
			},
		),
	}
}

// Status maps an error to a metric label
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
