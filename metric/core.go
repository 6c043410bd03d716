package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by refwatch
const Namespace = "refwatch"

// Metrics contains the domain metrics shared by the cache tiers, the circuit
// breakers and the realtime pipeline. Every Record method is safe on a nil receiver.
type Metrics struct {
	// Tiered cache
	TierLookups    *prometheus.CounterVec
	TierLatency    *prometheus.HistogramVec
	BackfillErrors *prometheus.CounterVec
	OriginRequests *prometheus.CounterVec

	// Circuit breakers
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Realtime pipeline
	RealtimeMessages *prometheus.CounterVec
	RealtimeEvents   *prometheus.CounterVec
	MessageBytes     prometheus.Histogram
	BatchesDelivered prometheus.Counter
	BatchSize        prometheus.Histogram
	ListenerErrors   prometheus.Counter
	QueuedEvents     prometheus.Gauge
	ActiveChannels   prometheus.Gauge

	// NATS
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the domain metrics (unregistered)
func NewMetrics() *Metrics {
	return &Metrics{
		TierLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cache",
				Name:      "tier_lookups_total",
				Help:      "Cache tier lookups by tier and result (hit, miss, error)",
			},
			[]string{"tier", "result"},
		),

		TierLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "cache",
				Name:      "tier_latency_seconds",
				Help:      "Latency of a single tier lookup",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"tier"},
		),

		BackfillErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cache",
				Name:      "backfill_errors_total",
				Help:      "Failed back-fill writes into faster tiers",
			},
			[]string{"tier"},
		),

		OriginRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "origin",
				Name:      "requests_total",
				Help:      "Origin API requests by outcome",
			},
			[]string{"outcome"},
		),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"breaker"},
		),

		BreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "breaker",
				Name:      "transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"breaker", "from", "to"},
		),

		RealtimeMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "messages_total",
				Help:      "Raw realtime messages by table and outcome (event, unchanged, filtered, malformed)",
			},
			[]string{"table", "outcome"},
		),

		RealtimeEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "events_total",
				Help:      "Normalized status change events by event type",
			},
			[]string{"event_type"},
		),

		MessageBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "message_bytes",
				Help:      "Size of raw realtime messages",
				Buckets:   prometheus.ExponentialBuckets(64, 2, 10),
			},
		),

		BatchesDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "batches_delivered_total",
				Help:      "Event batches delivered to listeners",
			},
		),

		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "batch_size",
				Help:      "Number of events per delivered batch",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),

		ListenerErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "listener_errors_total",
				Help:      "Listener invocations that panicked",
			},
		),

		QueuedEvents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "queued_events",
				Help:      "Events waiting for the current batch window",
			},
		),

		ActiveChannels: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "active_channels",
				Help:      "Open realtime channels",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TierLookups,
		m.TierLatency,
		m.BackfillErrors,
		m.OriginRequests,
		m.BreakerState,
		m.BreakerTransitions,
		m.RealtimeMessages,
		m.RealtimeEvents,
		m.MessageBytes,
		m.BatchesDelivered,
		m.BatchSize,
		m.ListenerErrors,
		m.QueuedEvents,
		m.ActiveChannels,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordTierLookup counts a tier lookup and observes its latency
func (m *Metrics) RecordTierLookup(tier, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.TierLookups.WithLabelValues(tier, result).Inc()
	m.TierLatency.WithLabelValues(tier).Observe(took.Seconds())
}

// RecordBackfillError counts a failed back-fill write
func (m *Metrics) RecordBackfillError(tier string) {
	if m == nil {
		return
	}
	m.BackfillErrors.WithLabelValues(tier).Inc()
}

// RecordOriginRequest counts an origin API request
func (m *Metrics) RecordOriginRequest(outcome string) {
	if m == nil {
		return
	}
	m.OriginRequests.WithLabelValues(outcome).Inc()
}

// RecordBreakerTransition updates breaker state and counts the transition
func (m *Metrics) RecordBreakerTransition(breaker, from, to string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
	m.BreakerTransitions.WithLabelValues(breaker, from, to).Inc()
}

// RecordRealtimeMessage counts a raw message by table and outcome
func (m *Metrics) RecordRealtimeMessage(table, outcome string) {
	if m == nil {
		return
	}
	m.RealtimeMessages.WithLabelValues(table, outcome).Inc()
}

// RecordEvent counts a normalized event
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.RealtimeEvents.WithLabelValues(eventType).Inc()
}

// RecordBatch records one delivered batch
func (m *Metrics) RecordBatch(size int) {
	if m == nil {
		return
	}
	m.BatchesDelivered.Inc()
	m.BatchSize.Observe(float64(size))
}

// RecordListenerError counts a failed listener invocation
func (m *Metrics) RecordListenerError() {
	if m == nil {
		return
	}
	m.ListenerErrors.Inc()
}

// SetQueuedEvents sets the number of events waiting for flush
func (m *Metrics) SetQueuedEvents(n int) {
	if m == nil {
		return
	}
	m.QueuedEvents.Set(float64(n))
}

// SetActiveChannels sets the number of open realtime channels
func (m *Metrics) SetActiveChannels(n int) {
	if m == nil {
		return
	}
	m.ActiveChannels.Set(float64(n))
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}
