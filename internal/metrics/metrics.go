// Package metrics exposes Prometheus collectors for the case harvester.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_tasks_total",
			Help: "Search tasks finished, labeled by status and failure kind.",
		},
		[]string{"status", "failure"},
	)

	taskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_task_duration_seconds",
			Help:    "Wall time per search task, labeled by status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	recordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_records_total",
			Help: "Case records offered to the store, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	pagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_pages_total",
			Help: "Result pages confirmed and read.",
		},
	)

	transitionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_transition_retries_total",
			Help: "Page transitions retried after a transient failure.",
		},
	)

	sessionRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "harvester_session_restarts_total",
			Help: "Driver sessions discarded and replaced.",
		},
	)

	documentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_documents_total",
			Help: "Case documents retrieved, labeled by result.",
		},
		[]string{"result"},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvester_active_workers",
			Help: "Number of workers currently executing a task.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvester_http_requests_total",
			Help: "Status server requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvester_http_request_duration_seconds",
			Help:    "Status server request latencies, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite extracts a lowercase hostname from a URL.
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

// ObserveTask records a finished task.
func ObserveTask(status, failure string, duration time.Duration) {
	if failure == "" {
		failure = "none"
	}
	tasksTotal.WithLabelValues(status, failure).Inc()
	taskDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveRecord counts a store outcome ("inserted", "skipped", "dropped").
func ObserveRecord(outcome string) {
	recordsTotal.WithLabelValues(outcome).Inc()
}

// ObservePage counts a confirmed result page.
func ObservePage() {
	pagesTotal.Inc()
}

// ObserveTransitionRetry counts a retried page transition.
func ObserveTransitionRetry() {
	transitionRetriesTotal.Inc()
}

// ObserveSessionRestart counts a replaced driver session.
func ObserveSessionRestart() {
	sessionRestartsTotal.Inc()
}

// ObserveDocument counts a document retrieval ("stored" or "failed").
func ObserveDocument(result string) {
	documentsTotal.WithLabelValues(result).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// Middleware records request counts and latency for chi routes.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
