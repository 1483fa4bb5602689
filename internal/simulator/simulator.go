package simulator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"climacore.dev/climacore/internal/topics"
	"climacore.dev/climacore/pkg/metrics"
)

const (
	defaultInterval     = 5 * time.Second
	defaultFleetSize    = 5
	publishQoS          = 1
	publishWaitDeadline = 2 * time.Second
)

// Publisher is the transport slice the simulator needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// Config holds the simulator configuration.
type Config struct {
	Logger    *slog.Logger
	Transport Publisher
	Metrics   *metrics.SimulatorMetrics

	// Interval between publish rounds. Every device publishes once per
	// round.
	Interval time.Duration

	// FleetSize is the number of devices, spread round-robin over the
	// legacy topics.
	FleetSize int
}

// Simulator owns a fleet of synthetic devices and publishes their readings
// on a fixed cadence.
type Simulator struct {
	logger    *slog.Logger
	transport Publisher
	metrics   *metrics.SimulatorMetrics
	interval  time.Duration
	devices   []*Device
}

// New creates a simulator with a freshly faked fleet.
func New(cfg *Config) (*Simulator, error) {
	if cfg == nil {
		return nil, errors.New("simulator config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	fleetSize := cfg.FleetSize
	if fleetSize <= 0 {
		fleetSize = defaultFleetSize
	}

	legacy := topics.LegacyTopics()
	devices := make([]*Device, 0, fleetSize)
	for i := 0; i < fleetSize; i++ {
		topic := legacy[i%len(legacy)]
		device, err := NewDevice(topic, kindForTopic(topic))
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}

	if cfg.Metrics != nil {
		cfg.Metrics.DevicesSimulated.Set(float64(len(devices)))
	}

	return &Simulator{
		logger:    cfg.Logger,
		transport: cfg.Transport,
		metrics:   cfg.Metrics,
		interval:  interval,
		devices:   devices,
	}, nil
}

// kindForTopic maps a legacy topic name to the payload kind its hardware
// produces. Water level switches report status tokens, everything else is
// numeric.
func kindForTopic(topic string) string {
	if topic == "waterlevel" {
		return "status"
	}
	return topic
}

// Devices returns the fleet.
func (s *Simulator) Devices() []*Device {
	return s.devices
}

// Run publishes one round per interval until the context is canceled.
func (s *Simulator) Run(ctx context.Context) {
	s.logger.Info("starting simulator",
		"devices", len(s.devices),
		"interval", s.interval,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulator stopped")
			return
		case now := <-ticker.C:
			s.PublishRound(ctx, now)
		}
	}
}

// PublishRound publishes one reading per device. Individual failures are
// logged and do not stop the round.
func (s *Simulator) PublishRound(ctx context.Context, now time.Time) {
	for _, d := range s.devices {
		if err := s.publishReading(ctx, d, now); err != nil {
			s.logger.Warn("failed to publish simulated reading",
				"device_id", d.DeviceID,
				"topic", d.Topic,
				"error", err,
			)
		}
	}
}

func (s *Simulator) publishReading(ctx context.Context, d *Device, now time.Time) error {
	var timer *prometheus.Timer
	if s.metrics != nil {
		timer = prometheus.NewTimer(s.metrics.GenerationDuration.WithLabelValues(d.Kind))
		defer timer.ObserveDuration()
	}

	payload := d.Reading(now)

	pubCtx, cancel := context.WithTimeout(ctx, publishWaitDeadline)
	defer cancel()

	if err := s.transport.Publish(pubCtx, d.Topic, publishQoS, false, payload); err != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(d.Kind).Inc()
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.ReadingsPublished.WithLabelValues(d.Kind).Inc()
	}
	return nil
}
