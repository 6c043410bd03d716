package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecologicaleaving/startapp-sub002/metric"
)

type cacheMetrics struct {
	ops  *prometheus.CounterVec
	size prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "memory_cache",
			Name:        "operations_total",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Memory cache operations (hit, miss, set, delete, eviction)",
		}, []string{"op"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "memory_cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Current number of entries in the memory cache",
		}),
	}

	if err := registry.RegisterCounterVec(prefix, "cache_operations", m.ops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		registry.Unregister(prefix, "cache_operations")
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) record(op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ops.WithLabelValues(op).Add(float64(n))
}

func (m *cacheMetrics) updateSize(size int) {
	if m == nil {
		return
	}
	m.size.Set(float64(size))
}
