// Package metrics holds the Prometheus collectors for markwise. A nil
// *Metrics is valid and records nothing, so components can run without it.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "markwise"

// Metrics groups every collector the service exports.
type Metrics struct {
	submissions        *prometheus.CounterVec
	enqueueFailures    prometheus.Counter
	outcomes           *prometheus.CounterVec
	scoringDuration    *prometheus.HistogramVec
	retryDelay         prometheus.Histogram
	persistenceRetries prometheus.Counter
	sweepExamined      *prometheus.CounterVec
	sweepRepaired      *prometheus.CounterVec
	sweepErrors        *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Correction submissions by result (created, reused, existing, rejected).",
		}, []string{"result"}),
		enqueueFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueue_failures_total",
			Help:      "Messages that could not be published to the broker.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_outcomes_total",
			Help:      "Processed messages by outcome.",
		}, []string{"outcome"}),
		scoringDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scoring_duration_seconds",
			Help:      "Latency of scoring engine calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"engine", "result"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay of scheduled retries.",
			Buckets:   prometheus.ExponentialBuckets(15, 2, 10),
		}),
		persistenceRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_retries_total",
			Help:      "Transactions retried after a database error.",
		}),
		sweepExamined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_examined_total",
			Help:      "Jobs examined by periodic sweeps.",
		}, []string{"sweep"}),
		sweepRepaired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_repaired_total",
			Help:      "Jobs changed by periodic sweeps.",
		}, []string{"sweep"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Per-job errors during periodic sweeps.",
		}, []string{"sweep"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		m.submissions, m.enqueueFailures, m.outcomes, m.scoringDuration, m.retryDelay,
		m.persistenceRetries, m.sweepExamined, m.sweepRepaired, m.sweepErrors,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Submission(result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) EnqueueFailed() {
	if m == nil {
		return
	}
	m.enqueueFailures.Inc()
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveScoring(engine string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.scoringDuration.WithLabelValues(engine, result).Observe(d.Seconds())
}

func (m *Metrics) RetryScheduled(delay time.Duration) {
	if m == nil {
		return
	}
	m.retryDelay.Observe(delay.Seconds())
}

func (m *Metrics) PersistenceRetry() {
	if m == nil {
		return
	}
	m.persistenceRetries.Inc()
}

// Sweep records the totals of one sweep pass.
func (m *Metrics) Sweep(sweep string, examined, repaired, errs int) {
	if m == nil {
		return
	}
	m.sweepExamined.WithLabelValues(sweep).Add(float64(examined))
	m.sweepRepaired.WithLabelValues(sweep).Add(float64(repaired))
	m.sweepErrors.WithLabelValues(sweep).Add(float64(errs))
}

func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
