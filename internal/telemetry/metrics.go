package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmitCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reviews_submitted_total", Help: "Review jobs accepted by the API"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "reviews_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reviews_completed_total", Help: "Jobs that reached completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reviews_failed_total", Help: "Jobs that reached failed"})
	FileOutcomes     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reviews_files_total", Help: "Per-file outcomes"}, []string{"outcome"})
	ReviewAttempts   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reviews_capability_attempts_total", Help: "Review capability attempts"}, []string{"kind", "result"})
	ReviewFallbacks  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reviews_capability_fallbacks_total", Help: "Prompts that exhausted their attempts"}, []string{"kind"})
	EventsPublished  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reviews_events_published_total", Help: "Progress events published"}, []string{"stage"})
	PublishFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reviews_publish_failures_total", Help: "Progress events that could not be published"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reviews_queue_depth", Help: "Jobs waiting in the ready queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reviews_inflight", Help: "Jobs currently being processed by this worker"})
	JobDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reviews_job_duration_seconds",
		Help:    "Wall time of one pipeline execution",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmitCounter,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			FileOutcomes,
			ReviewAttempts,
			ReviewFallbacks,
			EventsPublished,
			PublishFailures,
			QueueDepthGauge,
			InFlightGauge,
			JobDuration,
		)
	})
	return promhttp.Handler()
}
