// Package metric provides Prometheus metrics for the referee data layer.
//
// MetricsRegistry wraps a private prometheus.Registry and registers the core
// domain metrics (Metrics) on construction: cache tier lookups and latency,
// back-fill failures, circuit breaker state, and the realtime pipeline counters.
// Components that own additional collectors register them through the
// MetricsRegistrar methods, which reject duplicate names per component.
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordTierLookup("memory", "hit", time.Millisecond)
//	router.Handle("/metrics", registry.Handler())
//
// PerformanceMonitor is the advisory sink for realtime message sizes. Both
// *Metrics and *PerformanceMonitor accept calls on a nil receiver so callers
// can run without metrics.
package metric
