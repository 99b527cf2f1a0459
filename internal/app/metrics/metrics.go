package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncd",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	taskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "tasks",
			Name:      "runs_total",
			Help:      "Total number of scheduled task executions.",
		},
		[]string{"domain", "status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncd",
			Subsystem: "tasks",
			Name:      "run_duration_seconds",
			Help:      "Duration of scheduled task executions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"domain"},
	)

	schoolRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "school",
			Name:      "requests_total",
			Help:      "Total number of requests issued against the school API.",
		},
		[]string{"method", "status"},
	)

	schoolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "syncd",
			Subsystem: "school",
			Name:      "request_duration_seconds",
			Help:      "Duration of school API requests.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"method"},
	)

	authGrants = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "syncd",
			Subsystem: "auth",
			Name:      "grants_total",
			Help:      "Total number of login/refresh grants issued or rejected.",
		},
		[]string{"grant", "outcome"},
	)

	journalEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "journal",
			Name:      "entries",
			Help:      "Number of entries retained in the event journal.",
		},
	)

	cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "syncd",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of unexpired entries in the snapshot cache.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		taskRuns,
		taskDuration,
		schoolRequests,
		schoolDuration,
		authGrants,
		journalEntries,
		cacheEntries,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one handled HTTP request. path should be a route
// template, not a raw URL, so label cardinality stays bounded.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncInFlight bumps the in-flight HTTP request gauge.
func IncInFlight() { httpInFlight.Inc() }

// DecInFlight lowers the in-flight HTTP request gauge.
func DecInFlight() { httpInFlight.Dec() }

// RecordTaskRun records the outcome of one scheduled task execution.
func RecordTaskRun(domain, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	taskRuns.WithLabelValues(domain, status).Inc()
	taskDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// RecordSchoolRequest records one request against the school API.
func RecordSchoolRequest(method string, status int, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	schoolRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	schoolDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordAuthGrant records a login or refresh grant attempt.
func RecordAuthGrant(grant string, outcome string) {
	authGrants.WithLabelValues(grant, outcome).Inc()
}

// SetJournalEntries updates the journal size gauge.
func SetJournalEntries(n int) {
	journalEntries.Set(float64(n))
}

// SetCacheEntries updates the cache size gauge.
func SetCacheEntries(n int) {
	cacheEntries.Set(float64(n))
}
