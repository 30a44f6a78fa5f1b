package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics tracks hit rates per cache tier.
type CacheMetrics struct {
	// OpsTotal counts cache operations by backend, op, and result.
	OpsTotal *prometheus.CounterVec
}

var (
	cacheMetricsOnce     sync.Once
	cacheMetricsInstance *CacheMetrics
)

// NewCacheMetrics creates and registers cache metrics.
func NewCacheMetrics() *CacheMetrics {
	cacheMetricsOnce.Do(func() {
		cacheMetricsInstance = &CacheMetrics{
			OpsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "awsideman",
					Subsystem: "cache",
					Name:      "ops_total",
					Help:      "Cache operations by backend, operation, and result",
				},
				[]string{"backend", "op", "result"},
			),
		}
		Registry().MustRegister(cacheMetricsInstance.OpsTotal)
	})
	return cacheMetricsInstance
}

// Record counts one cache operation, e.g. ("file", "get", "hit").
func (m *CacheMetrics) Record(backend, op, result string) {
	m.OpsTotal.WithLabelValues(backend, op, result).Inc()
}
