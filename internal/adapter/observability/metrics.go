// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring.
// The package provides comprehensive observability features
// including metrics collection, distributed tracing, and logging.
package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status label.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// PipelineRunsTotal counts completed pipeline job runs by type and status.
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of pipeline job runs by type and status",
		},
		[]string{"job_type", "status"},
	)
	// PipelineRunning is a gauge of currently-running pipeline jobs by type.
	PipelineRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_running",
			Help: "Number of pipeline jobs currently running by type",
		},
		[]string{"job_type"},
	)
	// PipelineRunDuration records pipeline run durations by job type.
	PipelineRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_run_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"job_type"},
	)

	// RateClientRemaining tracks the last observed upstream remaining-quota
	// count per endpoint class (core, search).
	RateClientRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rate_client_remaining",
			Help: "Last observed upstream rate-limit remaining count per endpoint class",
		},
		[]string{"class"},
	)
	// RateClientRequestsTotal counts upstream requests issued by the rate-aware client.
	RateClientRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_client_requests_total",
			Help: "Total upstream requests issued, by endpoint class and outcome",
		},
		[]string{"class", "outcome"},
	)

	// QueueDepth is a gauge of unprocessed queue entries by priority reason.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of unprocessed queue entries by priority reason",
		},
		[]string{"reason"},
	)

	// WatchlistScoreHistogram tracks the distribution of generated scores by track.
	WatchlistScoreHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchlist_score",
			Help:    "Distribution of watchlist scores [0,100] by track",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"track"},
	)

	// CircuitBreakerStatus tracks circuit breaker state per upstream service/operation.
	CircuitBreakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_status",
			Help: "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"service", "operation"},
	)
)

// InitMetrics registers all Prometheus metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(PipelineRunsTotal)
	prometheus.MustRegister(PipelineRunning)
	prometheus.MustRegister(PipelineRunDuration)
	prometheus.MustRegister(RateClientRemaining)
	prometheus.MustRegister(RateClientRequestsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WatchlistScoreHistogram)
	prometheus.MustRegister(CircuitBreakerStatus)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// StartPipelineRun marks a pipeline job as running for the given job type.
func StartPipelineRun(jobType string) {
	PipelineRunning.WithLabelValues(jobType).Inc()
}

// FinishPipelineRun records the outcome and duration of one pipeline job run
// and decrements the running gauge.
func FinishPipelineRun(jobType, status string, duration time.Duration) {
	PipelineRunning.WithLabelValues(jobType).Dec()
	PipelineRunsTotal.WithLabelValues(jobType, status).Inc()
	PipelineRunDuration.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordRateClientCall updates the remaining-quota gauge and request counter
// for one upstream call in the given endpoint class.
func RecordRateClientCall(class, outcome string, remaining int) {
	RateClientRequestsTotal.WithLabelValues(class, outcome).Inc()
	RateClientRemaining.WithLabelValues(class).Set(float64(remaining))
}

// RecordQueueDepth sets the queue-depth gauge for one priority reason.
func RecordQueueDepth(reason string, count int64) {
	QueueDepth.WithLabelValues(reason).Set(float64(count))
}

// RecordWatchlistScore records one generated score on its track's histogram.
func RecordWatchlistScore(track string, score float64) {
	WatchlistScoreHistogram.WithLabelValues(track).Observe(score)
}

// RecordCircuitBreakerStatus records circuit breaker state.
func RecordCircuitBreakerStatus(service, operation string, status int) {
	CircuitBreakerStatus.WithLabelValues(service, operation).Set(float64(status))
}
