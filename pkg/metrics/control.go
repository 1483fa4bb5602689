package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ControlMetrics contains Prometheus metrics for the spatial control engine.
type ControlMetrics struct {
	TicksRun           *prometheus.CounterVec
	TicksSkipped       *prometheus.CounterVec
	CommandsIssued     *prometheus.CounterVec
	CommandsSuppressed *prometheus.CounterVec
	FieldError         *prometheus.GaugeVec
	TickDuration       prometheus.Histogram
	GainAdjustments    *prometheus.CounterVec
}

// NewControlMetrics creates and registers control engine metrics.
func NewControlMetrics(namespace string) *ControlMetrics {
	m := &ControlMetrics{
		TicksRun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "ticks_run_total",
				Help:      "Total number of completed control ticks",
			},
			[]string{"area"},
		),
		TicksSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "ticks_skipped_total",
				Help:      "Total number of ticks skipped for unmet preconditions",
			},
			[]string{"area", "reason"},
		),
		CommandsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "commands_issued_total",
				Help:      "Total number of actuator commands published",
			},
			[]string{"area", "type"},
		),
		CommandsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "commands_suppressed_total",
				Help:      "Total number of commands suppressed by conflict coordination",
			},
			[]string{"area"},
		),
		FieldError: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "field_error",
				Help:      "Mean absolute deviation from target across the area's sensors",
			},
			[]string{"area"},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "tick_duration_seconds",
				Help:      "Duration of one control tick for one area",
				Buckets:   prometheus.DefBuckets,
			},
		),
		GainAdjustments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "control",
				Name:      "gain_adjustments_total",
				Help:      "Total number of adaptive PID gain adjustments",
			},
			[]string{"direction"},
		),
	}

	MustRegister(
		m.TicksRun,
		m.TicksSkipped,
		m.CommandsIssued,
		m.CommandsSuppressed,
		m.FieldError,
		m.TickDuration,
		m.GainAdjustments,
	)

	return m
}
