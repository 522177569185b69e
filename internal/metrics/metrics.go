// Package metrics exposes Prometheus collectors for the crawl core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedcrawl_tasks_total",
			Help: "Total number of tasks handled, labeled by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedcrawl_items_total",
			Help: "Total number of items seen while crawling, labeled by identity and result.",
		},
		[]string{"identity", "result"},
	)

	rateLimitWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedcrawl_rate_limit_wait_seconds",
			Help:    "Histogram of provider-requested waits, labeled by identity.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"identity"},
	)

	throttleDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedcrawl_throttle_delay_seconds",
			Help:    "Histogram of client-side token bucket delays, labeled by identity.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"identity"},
	)

	lockContentionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedcrawl_lock_contention_total",
			Help: "Tasks dropped because another worker held the source lock.",
		},
		[]string{"identity"},
	)

	sweepPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedcrawl_sweep_tasks_total",
			Help: "Tasks published by scheduler sweeps, labeled by tier and status.",
		},
		[]string{"tier", "status"},
	)

	candidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedcrawl_candidates_total",
			Help: "Candidate sources by lifecycle event.",
		},
		[]string{"event"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedcrawl_active_workers",
			Help: "Number of workers currently processing a task.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask counts a finished task.
func ObserveTask(taskType, outcome string) {
	tasksTotal.WithLabelValues(taskType, outcome).Inc()
}

// ObserveItems adds n items with the given result for identity.
func ObserveItems(identity, result string, n int) {
	if n <= 0 {
		return
	}
	itemsTotal.WithLabelValues(identity, result).Add(float64(n))
}

// ObserveRateLimitWait records a provider-requested wait.
func ObserveRateLimitWait(identity string, d time.Duration) {
	rateLimitWaitSeconds.WithLabelValues(identity).Observe(d.Seconds())
}

// ObserveThrottleDelay records the time spent waiting for a local token.
func ObserveThrottleDelay(identity string, d time.Duration) {
	throttleDelaySeconds.WithLabelValues(identity).Observe(d.Seconds())
}

// ObserveLockContention counts a task dropped on a held lock.
func ObserveLockContention(identity string) {
	lockContentionTotal.WithLabelValues(identity).Inc()
}

// ObserveSweepPublish counts one publish attempt of a sweep.
func ObserveSweepPublish(tier int, status string) {
	sweepPublishedTotal.WithLabelValues(strconv.Itoa(tier), status).Inc()
}

// ObserveCandidates adds n candidate lifecycle events.
func ObserveCandidates(event string, n int) {
	if n <= 0 {
		return
	}
	candidatesTotal.WithLabelValues(event).Add(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
