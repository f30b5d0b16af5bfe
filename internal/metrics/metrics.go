// Package metrics exposes Prometheus collectors for the ingest pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Circuit state gauge values.
const (
	CircuitClosed   = 0
	CircuitHalfOpen = 1
	CircuitOpen     = 2
)

var (
	fetchRequestsTotal         *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	fetchFailuresTotal         *prometheus.CounterVec
	rateLimitWaitSeconds       *prometheus.HistogramVec
	circuitState               *prometheus.GaugeVec
	recordsTotal               *prometheus.CounterVec
	scrapeDurationSeconds      *prometheus.HistogramVec
	queuePublishedTotal        *prometheus.CounterVec
	queueConsumedTotal         *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_requests_total",
				Help: "Total number of source fetch attempts, labeled by source and HTTP status.",
			},
			[]string{"source", "code"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_fetch_duration_seconds",
				Help:    "Histogram of source fetch latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"source"},
		)

		fetchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_failures_total",
				Help: "Total number of failed fetch attempts, labeled by source and failure kind.",
			},
			[]string{"source", "kind"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_wait_seconds",
				Help:    "Histogram of time spent waiting for a rate limit token.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
		)

		circuitState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ingest_circuit_state",
				Help: "Circuit breaker state per source: 0 closed, 1 half-open, 2 open.",
			},
			[]string{"source"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_records_total",
				Help: "Total number of records seen by the scrape pipeline, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_scrape_duration_seconds",
				Help:    "Histogram of scrape cycle durations, labeled by source and status.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"source", "status"},
		)

		queuePublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_queue_published_total",
				Help: "Total number of messages published, labeled by topic and status.",
			},
			[]string{"topic", "status"},
		)

		queueConsumedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_queue_consumed_total",
				Help: "Total number of consumed messages, labeled by topic and outcome.",
			},
			[]string{"topic", "outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_http_requests_total",
				Help: "Total number of requests served by the health endpoint, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_http_request_duration_seconds",
				Help:    "Histogram of health endpoint latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records one fetch attempt. code is 0 when no response arrived.
func ObserveFetch(source string, code int, duration time.Duration) {
	Init()
	fetchRequestsTotal.WithLabelValues(source, strconv.Itoa(code)).Inc()
	fetchDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveFetchFailure counts a failed fetch attempt by failure kind.
func ObserveFetchFailure(source, kind string) {
	Init()
	fetchFailuresTotal.WithLabelValues(source, kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// SetCircuitState publishes a breaker state for source.
func SetCircuitState(source string, state int) {
	Init()
	circuitState.WithLabelValues(source).Set(float64(state))
}

// ObserveRecords adds n records with the given outcome.
func ObserveRecords(source, outcome string, n int) {
	Init()
	if n <= 0 {
		return
	}
	recordsTotal.WithLabelValues(source, outcome).Add(float64(n))
}

// ObserveScrape records a completed scrape cycle.
func ObserveScrape(source, status string, duration time.Duration) {
	Init()
	scrapeDurationSeconds.WithLabelValues(source, status).Observe(duration.Seconds())
}

// ObservePublish counts a publish attempt.
func ObservePublish(topic, status string) {
	Init()
	queuePublishedTotal.WithLabelValues(topic, status).Inc()
}

// ObserveConsume counts a consumed message outcome.
func ObserveConsume(topic, outcome string) {
	Init()
	queueConsumedTotal.WithLabelValues(topic, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
