package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQTTMetrics contains Prometheus metrics for the broker transport.
type MQTTMetrics struct {
	MessagesReceived    *prometheus.CounterVec
	MessagesPublished   *prometheus.CounterVec
	PublishFailures     *prometheus.CounterVec
	SubscribeFailures   *prometheus.CounterVec
	ReconnectAttempts   prometheus.Counter
	ConnectionStatus    prometheus.Gauge
	PublishDuration     *prometheus.HistogramVec
	ActiveSubscriptions prometheus.Gauge
}

// NewMQTTMetrics creates and registers broker transport metrics.
func NewMQTTMetrics(namespace string) *MQTTMetrics {
	m := &MQTTMetrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "messages_received_total",
				Help:      "Total number of messages delivered by the broker",
			},
			[]string{"kind"},
		),
		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "messages_published_total",
				Help:      "Total number of messages published to the broker",
			},
			[]string{"kind"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "publish_failures_total",
				Help:      "Total number of failed publishes",
			},
			[]string{"kind", "reason"},
		),
		SubscribeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "subscribe_failures_total",
				Help:      "Total number of failed subscribe/unsubscribe operations",
			},
			[]string{"operation"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of reconnection attempts",
			},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "connection_status",
				Help:      "Current connection status (1=connected, 0=disconnected)",
			},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "publish_duration_seconds",
				Help:      "Duration of publish operations including token wait",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		ActiveSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mqtt",
				Name:      "active_subscriptions",
				Help:      "Number of currently active topic subscriptions",
			},
		),
	}

	MustRegister(
		m.MessagesReceived,
		m.MessagesPublished,
		m.PublishFailures,
		m.SubscribeFailures,
		m.ReconnectAttempts,
		m.ConnectionStatus,
		m.PublishDuration,
		m.ActiveSubscriptions,
	)

	return m
}
