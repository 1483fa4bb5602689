package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IngestMetrics contains Prometheus metrics for the ingestion pipeline.
type IngestMetrics struct {
	ReadingsAccepted   *prometheus.CounterVec
	ReadingsRejected   *prometheus.CounterVec
	ResolutionMisses   prometheus.Counter
	MeasurementsStored *prometheus.CounterVec
	PersistFailures    *prometheus.CounterVec
	EventsThrottled    *prometheus.CounterVec
	FanoutDuration     prometheus.Histogram
}

// NewIngestMetrics creates and registers ingestion pipeline metrics.
func NewIngestMetrics(namespace string) *IngestMetrics {
	m := &IngestMetrics{
		ReadingsAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_accepted_total",
				Help:      "Total number of readings accepted into the cache",
			},
			[]string{"kind"},
		),
		ReadingsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_rejected_total",
				Help:      "Total number of readings rejected during validation",
			},
			[]string{"reason"},
		),
		ResolutionMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "resolution_misses_total",
				Help:      "Total number of messages dropped because no channel matched the topic",
			},
		),
		MeasurementsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "measurements_stored_total",
				Help:      "Total number of enriched measurements persisted",
			},
			[]string{"area"},
		),
		PersistFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "persist_failures_total",
				Help:      "Total number of failed measurement writes",
			},
			[]string{"area"},
		),
		EventsThrottled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_throttled_total",
				Help:      "Total number of chart update events coalesced by the throttle",
			},
			[]string{"area"},
		),
		FanoutDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "fanout_duration_seconds",
				Help:      "Duration of the per-message persistence and emission fan-out",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	MustRegister(
		m.ReadingsAccepted,
		m.ReadingsRejected,
		m.ResolutionMisses,
		m.MeasurementsStored,
		m.PersistFailures,
		m.EventsThrottled,
		m.FanoutDuration,
	)

	return m
}
