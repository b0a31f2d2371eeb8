// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal                  *prometheus.CounterVec
	jobsEnqueuedTotal          *prometheus.CounterVec
	failuresTotal              *prometheus.CounterVec
	executionDurationSeconds   *prometheus.HistogramVec
	activeWorkers              prometheus.Gauge
	queueDepth                 *prometheus.GaugeVec
	platformRemainingQuota     *prometheus.GaugeVec
	platformWeight             *prometheus.GaugeVec
	platformSuccessRate        *prometheus.GaugeVec
	sessions                   *prometheus.GaugeVec
	breakerOpen                *prometheus.GaugeVec
	deadLetters                prometheus.Gauge
	captchaTotal               *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_jobs_total",
				Help: "Jobs finished by a worker, labeled by platform and outcome.",
			},
			[]string{"platform", "outcome"},
		)

		jobsEnqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_jobs_enqueued_total",
				Help: "Jobs accepted into the queue, labeled by platform and source.",
			},
			[]string{"platform", "source"},
		)

		failuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_failures_total",
				Help: "Classified job failures, labeled by category.",
			},
			[]string{"category"},
		)

		executionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apply_execution_duration_seconds",
				Help:    "Histogram of task executor durations, labeled by platform.",
				Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"platform"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "apply_active_workers",
				Help: "Number of workers currently executing a job.",
			},
		)

		queueDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apply_queue_depth",
				Help: "Pending jobs per platform.",
			},
			[]string{"platform"},
		)

		platformRemainingQuota = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apply_platform_remaining_quota",
				Help: "Remaining daily quota per platform.",
			},
			[]string{"platform"},
		)

		platformWeight = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apply_platform_weight",
				Help: "Current selection weight per platform.",
			},
			[]string{"platform"},
		)

		platformSuccessRate = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apply_platform_success_rate",
				Help: "Moving average success rate per platform.",
			},
			[]string{"platform"},
		)

		sessions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apply_sessions",
				Help: "Browser sessions in the pool, labeled by state.",
			},
			[]string{"state"},
		)

		breakerOpen = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apply_breaker_open",
				Help: "1 when the circuit breaker for a scope is open or half-open.",
			},
			[]string{"scope"},
		)

		deadLetters = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "apply_dead_letters",
				Help: "Jobs in the dead-letter queue.",
			},
		)

		captchaTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apply_captcha_total",
				Help: "CAPTCHA challenges encountered, labeled by result.",
			},
			[]string{"result"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "apply_rate_limit_delays_seconds",
				Help:    "Histogram of per-platform pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"platform"},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob records a finished job. outcome is a job status or "retried".
func ObserveJob(platform, outcome string, took time.Duration) {
	Init()
	jobsTotal.WithLabelValues(platform, outcome).Inc()
	if took > 0 {
		executionDurationSeconds.WithLabelValues(platform).Observe(took.Seconds())
	}
}

// ObserveEnqueued counts a job accepted into the queue.
func ObserveEnqueued(platform, source string) {
	Init()
	jobsEnqueuedTotal.WithLabelValues(platform, source).Inc()
}

// ObserveFailure counts a classified failure.
func ObserveFailure(category string) {
	Init()
	failuresTotal.WithLabelValues(category).Inc()
}

// ObserveCaptcha counts a CAPTCHA challenge by result ("solved" or "failed").
func ObserveCaptcha(result string) {
	Init()
	captchaTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetQueueDepth records the pending job count for platform.
func SetQueueDepth(platform string, depth int) {
	Init()
	queueDepth.WithLabelValues(platform).Set(float64(depth))
}

// SetPlatform records the balancer's view of a platform.
func SetPlatform(platform string, remainingQuota int, weight, successRate float64) {
	Init()
	platformRemainingQuota.WithLabelValues(platform).Set(float64(remainingQuota))
	platformWeight.WithLabelValues(platform).Set(weight)
	platformSuccessRate.WithLabelValues(platform).Set(successRate)
}

// SetSessions records the pool's session counts.
func SetSessions(idle, inUse, launching int) {
	Init()
	sessions.WithLabelValues("idle").Set(float64(idle))
	sessions.WithLabelValues("in_use").Set(float64(inUse))
	sessions.WithLabelValues("launching").Set(float64(launching))
}

// SetBreaker records whether the breaker for scope is letting work through.
func SetBreaker(scope string, open bool) {
	Init()
	v := 0.0
	if open {
		v = 1
	}
	breakerOpen.WithLabelValues(scope).Set(v)
}

// SetDeadLetters records the dead-letter queue size.
func SetDeadLetters(n int) {
	Init()
	deadLetters.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(platform string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(platform).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
