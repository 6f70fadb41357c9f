// Package metrics provides Prometheus metrics for the ingestion service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingestion service.
type Metrics struct {
	// Upload metrics
	UploadsAccepted prometheus.Counter
	UploadsRejected *prometheus.CounterVec
	UploadBytes     prometheus.Histogram

	// Processing metrics
	FilesProcessed     *prometheus.CounterVec
	RowsAccepted       prometheus.Counter
	RowsRejected       prometheus.Counter
	ProcessingDuration prometheus.Histogram

	// Pipeline metrics
	QueueDepth    prometheus.Gauge
	InFlightFiles prometheus.Gauge

	// Error metrics
	StorageErrors  prometheus.Counter
	MetadataErrors prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "sensor_ingest"
	}

	m := &Metrics{
		UploadsAccepted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_accepted_total",
				Help:      "Total number of uploads accepted for processing",
			},
		),
		UploadsRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uploads_rejected_total",
				Help:      "Total number of uploads rejected before enqueueing",
			},
			[]string{"reason"},
		),
		UploadBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_bytes",
				Help:      "Size of uploaded files in bytes",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 10), // 256B to ~64MB
			},
		),
		FilesProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_processed_total",
				Help:      "Total number of files driven to a terminal status",
			},
			[]string{"status"},
		),
		RowsAccepted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_accepted_total",
				Help:      "Total number of data rows that passed validation",
			},
		),
		RowsRejected: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_rejected_total",
				Help:      "Total number of data rows that failed validation",
			},
		),
		ProcessingDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "processing_duration_seconds",
				Help:      "Time to process one file from dequeue to terminal status",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of jobs waiting in the work queue",
			},
		),
		InFlightFiles: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_files",
				Help:      "Number of files currently being processed",
			},
		),
		StorageErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of object store errors",
			},
		),
		MetadataErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metadata_errors_total",
				Help:      "Total number of metadata store errors",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(address, mux)
}
