// Package metrics exposes Prometheus collectors for the governance service.
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
	admissionDecisionsTotal    *prometheus.CounterVec
	circuitTransitionsTotal    *prometheus.CounterVec
	backoffLevel               *prometheus.GaugeVec
	queueTransitionsTotal      *prometheus.CounterVec
	duplicatesFilteredTotal    prometheus.Counter
	retriesScheduledTotal      prometheus.Counter
	identityRotationsTotal     *prometheus.CounterVec
	identitiesRetiredTotal     prometheus.Counter
	outcomeLatencySeconds      *prometheus.HistogramVec
	persistenceErrorsTotal     *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	workerFetchesTotal         *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	maintenanceRunsTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_admission_decisions_total",
				Help: "Admission checks, labeled by decision.",
			},
			[]string{"decision"},
		)

		circuitTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_circuit_transitions_total",
				Help: "Circuit breaker transitions, labeled by target and new state.",
			},
			[]string{"target", "state"},
		)

		backoffLevel = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "governor_backoff_level",
				Help: "Current backoff level per target.",
			},
			[]string{"target"},
		)

		queueTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_queue_transitions_total",
				Help: "Queue item status transitions, labeled by new status.",
			},
			[]string{"status"},
		)

		duplicatesFilteredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_duplicates_filtered_total",
				Help: "Submissions rejected as duplicates of an active item.",
			},
		)

		retriesScheduledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_retries_scheduled_total",
				Help: "Failed items rescheduled for another attempt.",
			},
		)

		identityRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_identity_rotations_total",
				Help: "Identity rotations, labeled by kind (full or partial).",
			},
			[]string{"kind"},
		)

		identitiesRetiredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "governor_identities_retired_total",
				Help: "Identities discarded for exceeding the stale ceiling.",
			},
		)

		outcomeLatencySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "governor_outcome_latency_seconds",
				Help:    "Reported fetch latency, labeled by result.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"result"},
		)

		persistenceErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_persistence_errors_total",
				Help: "Failed writes to the durable store, labeled by operation.",
			},
			[]string{"op"},
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
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"method", "route"},
		)

		workerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_worker_fetches_total",
				Help: "Fetches executed by the worker pool, labeled by result.",
			},
			[]string{"result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "governor_active_workers",
				Help: "Number of workers currently executing a fetch.",
			},
		)

		maintenanceRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "governor_maintenance_runs_total",
				Help: "Maintenance job runs, labeled by job and result.",
			},
			[]string{"job", "result"},
		)
	})
}

// SanitizeSite sanitizes a target or URL to a lowercase hostname.
// It returns "unknown" if the input is invalid.
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

// ObserveAdmission counts an admission decision.
func ObserveAdmission(decision string) {
	Init()
	admissionDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveCircuitTransition counts a breaker moving into state.
func ObserveCircuitTransition(target, state string) {
	Init()
	circuitTransitionsTotal.WithLabelValues(SanitizeSite(target), state).Inc()
}

// SetBackoffLevel records the current backoff level for target.
func SetBackoffLevel(target string, level int) {
	Init()
	backoffLevel.WithLabelValues(SanitizeSite(target)).Set(float64(level))
}

// ObserveQueueTransition counts an item entering status.
func ObserveQueueTransition(status string) {
	Init()
	queueTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveDuplicate counts a filtered duplicate submission.
func ObserveDuplicate() {
	Init()
	duplicatesFilteredTotal.Inc()
}

// ObserveRetryScheduled counts a rescheduled item.
func ObserveRetryScheduled() {
	Init()
	retriesScheduledTotal.Inc()
}

// ObserveRotation counts an identity rotation.
func ObserveRotation(full bool) {
	Init()
	kind := "partial"
	if full {
		kind = "full"
	}
	identityRotationsTotal.WithLabelValues(kind).Inc()
}

// ObserveRetired counts discarded identities.
func ObserveRetired(n int) {
	Init()
	if n > 0 {
		identitiesRetiredTotal.Add(float64(n))
	}
}

// ObserveOutcome records reported fetch latency.
func ObserveOutcome(success bool, latency time.Duration) {
	Init()
	result := "failure"
	if success {
		result = "success"
	}
	outcomeLatencySeconds.WithLabelValues(result).Observe(latency.Seconds())
}

// ObservePersistenceError counts a failed store write.
func ObservePersistenceError(op string) {
	Init()
	persistenceErrorsTotal.WithLabelValues(op).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveFetch counts a worker fetch by result.
func ObserveFetch(result string) {
	Init()
	workerFetchesTotal.WithLabelValues(result).Inc()
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

// ObserveMaintenance counts a maintenance job run.
func ObserveMaintenance(job string, err error) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	maintenanceRunsTotal.WithLabelValues(job, result).Inc()
}
