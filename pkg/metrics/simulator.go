package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the sensor fleet
// simulator.
type SimulatorMetrics struct {
	DevicesSimulated   prometheus.Gauge
	ReadingsPublished  *prometheus.CounterVec
	PublishFailures    *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
}

// NewSimulatorMetrics creates and registers simulator metrics.
func NewSimulatorMetrics(namespace string) *SimulatorMetrics {
	m := &SimulatorMetrics{
		DevicesSimulated: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "devices",
				Help:      "Number of simulated devices in the fleet",
			},
		),
		ReadingsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "readings_published_total",
				Help:      "Total number of simulated readings published",
			},
			[]string{"kind"},
		),
		PublishFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "publish_failures_total",
				Help:      "Total number of failed simulated publishes",
			},
			[]string{"kind"},
		),
		GenerationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "generation_duration_seconds",
				Help:      "Duration of generating and publishing one reading",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}

	MustRegister(
		m.DevicesSimulated,
		m.ReadingsPublished,
		m.PublishFailures,
		m.GenerationDuration,
	)

	return m
}
