package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce             sync.Once
	submissionAttemptsTotal  *prometheus.CounterVec
	submissionLatencySeconds *prometheus.HistogramVec
	timerExpiriesTotal       *prometheus.CounterVec
	navigationOutcomesTotal  *prometheus.CounterVec
	operationsRecordedTotal  *prometheus.CounterVec
	heartbeatQueueDepthGauge prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the runner.
func RegisterMetrics() {
	registerOnce.Do(func() {
		submissionAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_submission_attempts_total",
			Help: "Mark submission attempts by outcome.",
		}, []string{"outcome"})

		submissionLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runner_submission_latency_seconds",
			Help:    "End-to-end latency of a mark submission including retries.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"result"})

		timerExpiriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_timer_expiries_total",
			Help: "Timer scopes that reached zero.",
		}, []string{"scope"})

		navigationOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_navigation_outcomes_total",
			Help: "Navigation requests by outcome status.",
		}, []string{"status"})

		operationsRecordedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runner_operations_total",
			Help: "Operation log appends by result.",
		}, []string{"result"})

		heartbeatQueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "runner_heartbeat_queue_depth",
			Help: "Heartbeats waiting to be flushed.",
		})

		prometheus.MustRegister(
			submissionAttemptsTotal,
			submissionLatencySeconds,
			timerExpiriesTotal,
			navigationOutcomesTotal,
			operationsRecordedTotal,
			heartbeatQueueDepthGauge,
		)
	})
}

// SubmissionAttempts counts attempts by outcome (success, business_error,
// network_error, session_expired).
func SubmissionAttempts() *prometheus.CounterVec {
	RegisterMetrics()
	return submissionAttemptsTotal
}

// SubmissionLatency observes whole submissions.
func SubmissionLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return submissionLatencySeconds
}

func TimerExpiries() *prometheus.CounterVec {
	RegisterMetrics()
	return timerExpiriesTotal
}

func NavigationOutcomes() *prometheus.CounterVec {
	RegisterMetrics()
	return navigationOutcomesTotal
}

func OperationsRecorded() *prometheus.CounterVec {
	RegisterMetrics()
	return operationsRecordedTotal
}

func HeartbeatQueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return heartbeatQueueDepthGauge
}

// MetricsHandler exposes the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}
