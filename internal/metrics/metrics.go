package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus instruments for the media worker.
type Metrics struct {
	// Job lifecycle
	JobsCreated   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsCancelled prometheus.Counter
	ActiveJobs    prometheus.Gauge
	PhaseDuration *prometheus.HistogramVec

	// Pipeline output
	ChunksProduced prometheus.Counter
	ChunksUploaded prometheus.Counter

	// Notifications
	NotificationsSent   prometheus.Counter
	NotificationsFailed prometheus.Counter

	// HTTP API
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all instruments against reg. Tests pass a fresh
// prometheus.NewRegistry to avoid duplicate registration across cases.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediaworker_jobs_created_total",
			Help: "Total number of ingestion jobs accepted",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediaworker_jobs_completed_total",
			Help: "Total number of jobs that reached a success terminal state",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediaworker_jobs_failed_total",
			Help: "Total number of jobs that terminated in failure",
		}),
		JobsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediaworker_jobs_cancelled_total",
			Help: "Total number of jobs cancelled before upload began",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mediaworker_active_jobs",
			Help: "Number of jobs currently executing in the pipeline",
		}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediaworker_phase_duration_seconds",
			Help:    "Wall time spent in each pipeline phase",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27 minutes
		}, []string{"phase"}),
		ChunksProduced: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediaworker_chunks_produced_total",
			Help: "Total number of chunk files materialized",
		}),
		ChunksUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediaworker_chunks_uploaded_total",
			Help: "Total number of chunk files uploaded to object storage",
		}),
		NotificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediaworker_notifications_sent_total",
			Help: "Total number of terminal notifications delivered",
		}),
		NotificationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "mediaworker_notifications_failed_total",
			Help: "Total number of terminal notifications that exhausted retries",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaworker_http_requests_total",
			Help: "HTTP requests by method, path and status code",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediaworker_http_request_duration_seconds",
			Help:    "HTTP request latency by method and path",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}
