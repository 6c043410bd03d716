package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PerformanceMonitor receives advisory samples about realtime traffic.
// A nil *PerformanceMonitor accepts and drops every sample.
type PerformanceMonitor struct {
	messageBytes  prometheus.Histogram
	perTournament *prometheus.CounterVec
	bytesTotal    *prometheus.CounterVec
}

// NewPerformanceMonitor creates a monitor and registers its tournament counters.
// Message sizes are observed on the core MessageBytes histogram.
func NewPerformanceMonitor(registry *MetricsRegistry) (*PerformanceMonitor, error) {
	if registry == nil {
		return nil, nil
	}

	m := &PerformanceMonitor{
		messageBytes: registry.Metrics.MessageBytes,
		perTournament: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "tournament_messages_total",
				Help:      "Realtime messages received per tournament",
			},
			[]string{"tournament"},
		),
		bytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "realtime",
				Name:      "tournament_bytes_total",
				Help:      "Realtime payload bytes received per tournament",
			},
			[]string{"tournament"},
		),
	}

	if err := registry.RegisterCounterVec("performance", "tournament_messages", m.perTournament); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("performance", "tournament_bytes", m.bytesTotal); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordMessage records the byte size of one raw message for a tournament
func (m *PerformanceMonitor) RecordMessage(sizeBytes int, tournamentNo string) {
	if m == nil {
		return
	}
	if tournamentNo == "" {
		tournamentNo = "unknown"
	}
	m.messageBytes.Observe(float64(sizeBytes))
	m.perTournament.WithLabelValues(tournamentNo).Inc()
	m.bytesTotal.WithLabelValues(tournamentNo).Add(float64(sizeBytes))
}
