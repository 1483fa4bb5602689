package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics contains Prometheus metrics for the event emission bus.
type EventMetrics struct {
	EventsEmitted     *prometheus.CounterVec
	EmitFailures      *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	ConnectionStatus  prometheus.Gauge
}

// NewEventMetrics creates and registers event bus metrics.
func NewEventMetrics(namespace string) *EventMetrics {
	m := &EventMetrics{
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Total number of events published to the event exchange",
			},
			[]string{"event"},
		),
		EmitFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "emit_failures_total",
				Help:      "Total number of event publishes that failed",
			},
			[]string{"event", "reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of event bus reconnection attempts",
			},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "connection_status",
				Help:      "Current event bus connection status (1=connected, 0=disconnected)",
			},
		),
	}

	MustRegister(
		m.EventsEmitted,
		m.EmitFailures,
		m.ReconnectAttempts,
		m.ConnectionStatus,
	)

	return m
}
