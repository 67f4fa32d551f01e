// Package metrics exposes Prometheus collectors for the line monitor.
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

// Outcome labels shared by several collectors.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	notificationsTotal         *prometheus.CounterVec
	checksTotal                *prometheus.CounterVec
	subscribersGauge           prometheus.Gauge
	lineDelayedGauge           prometheus.Gauge
	eventsPublishedTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     prometheus.Histogram

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; every observer calls it.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linewatch_fetch_attempts_total",
				Help: "Status page attempts, labeled by driver and outcome.",
			},
			[]string{"driver", "outcome"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "linewatch_fetch_duration_seconds",
				Help:    "Duration of a full fetch including retries, labeled by outcome.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"outcome"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linewatch_cache_lookups_total",
				Help: "Status cache lookups, labeled by result (hit, miss, bypass).",
			},
			[]string{"result"},
		)

		notificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linewatch_notifications_total",
				Help: "Push deliveries, labeled by outcome (delivered, failed, gone).",
			},
			[]string{"outcome"},
		)

		checksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linewatch_checks_total",
				Help: "Scheduler checks, labeled by outcome (notified, unchanged, error).",
			},
			[]string{"outcome"},
		)

		subscribersGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linewatch_subscribers",
				Help: "Number of subscribers seen by the last broadcast or store change.",
			},
		)

		lineDelayedGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "linewatch_line_delayed",
				Help: "1 while the scheduler believes the line is disrupted.",
			},
		)

		eventsPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "linewatch_events_published_total",
				Help: "Status change events, labeled by sink and outcome.",
			},
			[]string{"sink", "outcome"},
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

		rateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "linewatch_rate_limit_delays_seconds",
				Help:    "Histogram of push rate limiter wait durations.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt counts one driver attempt.
func ObserveFetchAttempt(driver, outcome string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(driver, outcome).Inc()
}

// ObserveFetch records the duration of a whole Fetch call.
func ObserveFetch(outcome string, duration time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveCacheLookup counts a cache lookup by result.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveNotification counts one push delivery by outcome.
func ObserveNotification(outcome string) {
	Init()
	notificationsTotal.WithLabelValues(outcome).Inc()
}

// ObserveCheck counts a scheduler check by outcome.
func ObserveCheck(outcome string) {
	Init()
	checksTotal.WithLabelValues(outcome).Inc()
}

// SetSubscribers records the current subscriber count.
func SetSubscribers(n int) {
	Init()
	subscribersGauge.Set(float64(n))
}

// SetDelayed mirrors the scheduler's delay flag.
func SetDelayed(delayed bool) {
	Init()
	if delayed {
		lineDelayedGauge.Set(1)
		return
	}
	lineDelayedGauge.Set(0)
}

// ObserveEventPublish counts a status change event publish.
func ObserveEventPublish(sink, outcome string) {
	Init()
	eventsPublishedTotal.WithLabelValues(sink, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.Observe(duration.Seconds())
}
