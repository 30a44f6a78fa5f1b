package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// RetryMetrics tracks retry behavior of the AWS call layer.
//
// Labels:
//   - operation: the call being retried (e.g. "create_assignment")
//   - outcome: "success" or "failure"
//   - error_type: classification of the error that triggered the attempt
type RetryMetrics struct {
	// AttemptsTotal counts attempts by operation, outcome, and error type.
	AttemptsTotal *prometheus.CounterVec

	// AttemptSeconds tracks per-attempt duration.
	AttemptSeconds *prometheus.HistogramVec

	// BackoffSeconds tracks the backoff delays actually slept.
	BackoffSeconds *prometheus.HistogramVec
}

var (
	retryMetricsOnce     sync.Once
	retryMetricsInstance *RetryMetrics
)

// NewRetryMetrics creates and registers retry metrics. A singleton prevents
// duplicate registration when several engines share the registry.
func NewRetryMetrics() *RetryMetrics {
	retryMetricsOnce.Do(func() {
		retryMetricsInstance = &RetryMetrics{
			AttemptsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "awsideman",
					Subsystem: "retry",
					Name:      "attempts_total",
					Help:      "Total AWS call attempts by operation, outcome, and error type",
				},
				[]string{"operation", "outcome", "error_type"},
			),
			AttemptSeconds: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "awsideman",
					Subsystem: "retry",
					Name:      "attempt_seconds",
					Help:      "Duration of individual AWS call attempts",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"operation"},
			),
			BackoffSeconds: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "awsideman",
					Subsystem: "retry",
					Name:      "backoff_seconds",
					Help:      "Backoff delays slept between retries",
					Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
				},
				[]string{"operation"},
			),
		}
		Registry().MustRegister(
			retryMetricsInstance.AttemptsTotal,
			retryMetricsInstance.AttemptSeconds,
			retryMetricsInstance.BackoffSeconds,
		)
	})
	return retryMetricsInstance
}

// RecordAttempt records one call attempt.
func (m *RetryMetrics) RecordAttempt(operation, outcome, errorType string, seconds float64) {
	m.AttemptsTotal.WithLabelValues(operation, outcome, errorType).Inc()
	m.AttemptSeconds.WithLabelValues(operation).Observe(seconds)
}

// RecordBackoff records one backoff sleep.
func (m *RetryMetrics) RecordBackoff(operation string, seconds float64) {
	m.BackoffSeconds.WithLabelValues(operation).Observe(seconds)
}
