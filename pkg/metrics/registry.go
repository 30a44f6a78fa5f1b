// Package metrics defines the Prometheus collectors recorded by the retry
// layer, the cache, and the multi-account executor. Collectors register on a
// private registry so repeated construction in tests cannot panic. Nothing in
// the CLI gathers or prints the registry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registryOnce sync.Once
	registry     *prometheus.Registry
)

// Registry returns the process-wide metrics registry.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
	return registry
}
