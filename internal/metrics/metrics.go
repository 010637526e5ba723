// Package metrics exposes Prometheus collectors for the crawler service.
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

var (
	cacheLookupsTotal             *prometheus.CounterVec
	cacheEvictionsTotal           prometheus.Counter
	fetchAttemptsTotal            *prometheus.CounterVec
	fetchRetriesTotal             *prometheus.CounterVec
	fetchBytesTotal               *prometheus.CounterVec
	collectRecordsTotal           prometheus.Counter
	collectURLsTotal              *prometheus.CounterVec
	pluginExecutionsTotal         *prometheus.CounterVec
	pluginExecutionSeconds        prometheus.Histogram
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_cache_lookups_total",
				Help: "Page cache lookups, labeled by result (hit, miss, error).",
			},
			[]string{"result"},
		)

		cacheEvictionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_cache_evictions_total",
				Help: "Cache entries removed by eviction sweeps.",
			},
		)

		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_attempts_total",
				Help: "Fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_retries_total",
				Help: "Retries scheduled, labeled by site and reason.",
			},
			[]string{"site", "reason"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		collectRecordsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_collect_records_total",
				Help: "Records returned by sample collection runs.",
			},
		)

		collectURLsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_collect_urls_total",
				Help: "Source URLs visited by sample collection, labeled by result.",
			},
			[]string{"result"},
		)

		pluginExecutionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_plugin_executions_total",
				Help: "Crawler plugin executions, labeled by outcome code.",
			},
			[]string{"outcome"},
		)

		pluginExecutionSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_plugin_execution_seconds",
				Help:    "Histogram of plugin execution durations.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 60},
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

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObserveCacheLookup counts a cache hit, miss or error.
func ObserveCacheLookup(result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveCacheEviction counts removed cache entries.
func ObserveCacheEviction(removed int) {
	Init()
	if removed > 0 {
		cacheEvictionsTotal.Add(float64(removed))
	}
}

// ObserveFetchAttempt records one attempt's outcome and payload size.
func ObserveFetchAttempt(site, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchAttemptsTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveFetchRetry records a scheduled retry and why it happened.
func ObserveFetchRetry(site, reason string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeSite(site), reason).Inc()
}

// ObserveCollectedURL records whether a source URL produced any records.
func ObserveCollectedURL(result string) {
	Init()
	collectURLsTotal.WithLabelValues(result).Inc()
}

// ObserveCollectedRecords adds to the collected record counter.
func ObserveCollectedRecords(n int) {
	Init()
	if n > 0 {
		collectRecordsTotal.Add(float64(n))
	}
}

// ObservePluginExecution records a plugin run.
func ObservePluginExecution(outcome string, duration time.Duration) {
	Init()
	pluginExecutionsTotal.WithLabelValues(outcome).Inc()
	pluginExecutionSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
