package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ExecutorMetrics tracks multi-account executor throughput.
type ExecutorMetrics struct {
	// AssignmentsTotal counts per-account results by direction and outcome.
	AssignmentsTotal *prometheus.CounterVec

	// AccountSeconds tracks per-account wall time including status polling.
	AccountSeconds *prometheus.HistogramVec

	// WorkerGauge reports the current concurrency limit.
	WorkerGauge prometheus.Gauge
}

var (
	executorMetricsOnce     sync.Once
	executorMetricsInstance *ExecutorMetrics
)

// NewExecutorMetrics creates and registers executor metrics.
func NewExecutorMetrics() *ExecutorMetrics {
	executorMetricsOnce.Do(func() {
		executorMetricsInstance = &ExecutorMetrics{
			AssignmentsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "awsideman",
					Subsystem: "executor",
					Name:      "assignments_total",
					Help:      "Per-account assignment results by direction and outcome",
				},
				[]string{"direction", "outcome"},
			),
			AccountSeconds: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "awsideman",
					Subsystem: "executor",
					Name:      "account_seconds",
					Help:      "Wall time per account including provisioning status polling",
					Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60},
				},
				[]string{"direction"},
			),
			WorkerGauge: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "awsideman",
					Subsystem: "executor",
					Name:      "worker_limit",
					Help:      "Current adaptive concurrency limit",
				},
			),
		}
		Registry().MustRegister(
			executorMetricsInstance.AssignmentsTotal,
			executorMetricsInstance.AccountSeconds,
			executorMetricsInstance.WorkerGauge,
		)
	})
	return executorMetricsInstance
}

// RecordResult records one per-account terminal result.
func (m *ExecutorMetrics) RecordResult(direction, outcome string, seconds float64) {
	m.AssignmentsTotal.WithLabelValues(direction, outcome).Inc()
	m.AccountSeconds.WithLabelValues(direction).Observe(seconds)
}
