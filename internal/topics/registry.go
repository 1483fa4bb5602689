// Package topics maps wire-protocol topics to registered channels and keeps
// the broker subscription set reconciled against what is active in storage.
package topics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"climacore.dev/climacore/internal/store"
	"climacore.dev/climacore/pkg/mqtt"
)

// ErrUnknownTopic is returned when a topic matches no sensor, no actuator and
// no legacy mapping. Callers log it and drop the message; it never tears down
// the connection.
var ErrUnknownTopic = errors.New("topic matches no known channel")

const (
	// How often newly activated channels are picked up.
	reconcileInterval = 30 * time.Second

	// How often stale subscriptions are pruned. Deliberately slower than the
	// subscribe pass so a channel briefly deactivated is not flapped.
	pruneInterval = 5 * time.Minute

	subscribeQoS = 1
)

// legacyEntry describes one fixed-name topic that predates the dynamic
// channel schema. Legacy topics are never auto-unsubscribed.
type legacyEntry struct {
	kind string
	unit string
}

// legacyTopics is the closed list of bare topic names still honored for
// devices flashed before dynamic registration existed.
var legacyTopics = map[string]legacyEntry{
	"temperature": {kind: store.KindTemperature, unit: "°C"},
	"humidity":    {kind: store.KindHumidity, unit: "%"},
	"airflow":     {kind: store.KindAirflow, unit: "m/s"},
	"soil":        {kind: store.KindSoil, unit: "%"},
	"waterlevel":  {kind: store.KindStatus, unit: ""},
}

// IsLegacyTopic reports whether the topic belongs to the fixed legacy
// vocabulary.
func IsLegacyTopic(topic string) bool {
	_, ok := legacyTopics[topic]
	return ok
}

// LegacyTopics returns the legacy topic names.
func LegacyTopics() []string {
	names := make([]string, 0, len(legacyTopics))
	for name := range legacyTopics {
		names = append(names, name)
	}
	return names
}

// Descriptor is the resolution result for an inbound topic: the channel's
// identity plus the metadata the pipeline needs to parse and scope the
// payload.
type Descriptor struct {
	// Actuator is true when the topic belongs to an actuator channel.
	Actuator bool
	// Legacy is true when the topic resolved through the legacy table.
	Legacy bool

	ChannelID uint
	OwnerID   uint
	Area      string

	// Kind is the sensor value kind, or the actuator type for actuators.
	Kind string
	Unit string

	PosX      float64
	PosY      float64
	MaxOutput float64
}

// ChannelSource is the slice of the persistence collaborator the registry
// consumes.
type ChannelSource interface {
	ActiveSensors(ctx context.Context) ([]store.SensorChannel, error)
	ActiveActuators(ctx context.Context) ([]store.ActuatorChannel, error)
	SensorByTopic(ctx context.Context, topic string) (*store.SensorChannel, error)
	ActuatorByTopic(ctx context.Context, topic string) (*store.ActuatorChannel, error)
	AppendAudit(ctx context.Context, actor, action, detail string) error
}

// Config holds the registry configuration.
type Config struct {
	Logger    *slog.Logger
	Source    ChannelSource
	Transport mqtt.Transport

	// Handler receives every message delivered on a subscribed topic.
	Handler mqtt.MessageHandler

	// LegacyOwnerID and LegacyArea scope readings arriving on legacy topics,
	// which carry no owner information of their own.
	LegacyOwnerID uint
	LegacyArea    string
}

// Registry resolves topics to channel descriptors and reconciles the broker
// subscription set against active channels in storage.
type Registry struct {
	m         sync.Mutex
	logger    *slog.Logger
	source    ChannelSource
	transport mqtt.Transport
	handler   mqtt.MessageHandler

	legacyOwnerID uint
	legacyArea    string

	subscribed map[string]struct{}
}

// NewRegistry creates a topic registry.
func NewRegistry(cfg *Config) (*Registry, error) {
	if cfg == nil {
		return nil, errors.New("topics config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Source == nil {
		return nil, errors.New("channel source cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler cannot be nil")
	}

	return &Registry{
		logger:        cfg.Logger,
		source:        cfg.Source,
		transport:     cfg.Transport,
		handler:       cfg.Handler,
		legacyOwnerID: cfg.LegacyOwnerID,
		legacyArea:    cfg.LegacyArea,
		subscribed:    make(map[string]struct{}),
	}, nil
}

// Resolve maps an inbound topic to a channel descriptor: sensors first, then
// actuators, then the legacy table. A miss in all three is ErrUnknownTopic.
func (r *Registry) Resolve(ctx context.Context, topic string) (*Descriptor, error) {
	sensor, err := r.source.SensorByTopic(ctx, topic)
	if err == nil {
		return &Descriptor{
			ChannelID: sensor.ID,
			OwnerID:   sensor.OwnerID,
			Area:      sensor.Area,
			Kind:      sensor.Kind,
			Unit:      sensor.Unit,
			PosX:      sensor.PosX,
			PosY:      sensor.PosY,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("sensor lookup for %s: %w", topic, err)
	}

	actuator, err := r.source.ActuatorByTopic(ctx, topic)
	if err == nil {
		return &Descriptor{
			Actuator:  true,
			ChannelID: actuator.ID,
			OwnerID:   actuator.OwnerID,
			Area:      actuator.Area,
			Kind:      actuator.Type,
			PosX:      actuator.PosX,
			PosY:      actuator.PosY,
			MaxOutput: actuator.MaxOutput,
		}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("actuator lookup for %s: %w", topic, err)
	}

	if entry, ok := legacyTopics[topic]; ok {
		return &Descriptor{
			Legacy:  true,
			OwnerID: r.legacyOwnerID,
			Area:    r.legacyArea,
			Kind:    entry.kind,
			Unit:    entry.unit,
		}, nil
	}

	return nil, fmt.Errorf("%s: %w", topic, ErrUnknownTopic)
}

// Run drives the reconciliation loops until the context is canceled: a fast
// subscribe pass and a slower prune pass.
func (r *Registry) Run(ctx context.Context) {
	// Initial pass so the engine is receiving before the first tick.
	if err := r.Reconcile(ctx); err != nil {
		r.logger.Error("initial reconcile failed", "error", err)
	}

	subscribeTicker := time.NewTicker(reconcileInterval)
	pruneTicker := time.NewTicker(pruneInterval)
	defer subscribeTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("topic reconciliation stopped")
			return
		case <-subscribeTicker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("reconcile failed", "error", err)
			}
		case <-pruneTicker.C:
			if err := r.Prune(ctx); err != nil {
				r.logger.Error("prune failed", "error", err)
			}
		}
	}
}

// desiredTopics returns every topic that should currently be subscribed:
// active sensor and actuator topics plus the legacy allow-list.
func (r *Registry) desiredTopics(ctx context.Context) (map[string]struct{}, error) {
	sensors, err := r.source.ActiveSensors(ctx)
	if err != nil {
		return nil, err
	}
	actuators, err := r.source.ActiveActuators(ctx)
	if err != nil {
		return nil, err
	}

	desired := make(map[string]struct{}, len(sensors)+len(actuators)+len(legacyTopics))
	for _, s := range sensors {
		desired[s.Topic] = struct{}{}
	}
	for _, a := range actuators {
		desired[a.Topic] = struct{}{}
	}
	for topic := range legacyTopics {
		desired[topic] = struct{}{}
	}
	return desired, nil
}

// Reconcile subscribes to every desired topic not yet subscribed.
func (r *Registry) Reconcile(ctx context.Context) error {
	desired, err := r.desiredTopics(ctx)
	if err != nil {
		return fmt.Errorf("failed to load desired topics: %w", err)
	}

	for topic := range desired {
		r.m.Lock()
		_, have := r.subscribed[topic]
		r.m.Unlock()
		if have {
			continue
		}

		if err := r.transport.Subscribe(topic, subscribeQoS, r.handler); err != nil {
			r.logger.Error("failed to subscribe", "topic", topic, "error", err)
			continue
		}

		r.m.Lock()
		r.subscribed[topic] = struct{}{}
		r.m.Unlock()

		r.logger.Info("subscribed", "topic", topic)
		if err := r.source.AppendAudit(ctx, "topics", "subscribe", topic); err != nil {
			r.logger.Warn("failed to audit subscribe", "topic", topic, "error", err)
		}
	}

	return nil
}

// Prune unsubscribes from topics no longer active in storage. Legacy topics
// are exempt: they are never auto-removed.
func (r *Registry) Prune(ctx context.Context) error {
	desired, err := r.desiredTopics(ctx)
	if err != nil {
		return fmt.Errorf("failed to load desired topics: %w", err)
	}

	r.m.Lock()
	stale := make([]string, 0)
	for topic := range r.subscribed {
		if _, ok := desired[topic]; ok {
			continue
		}
		if IsLegacyTopic(topic) {
			continue
		}
		stale = append(stale, topic)
	}
	r.m.Unlock()

	for _, topic := range stale {
		if err := r.transport.Unsubscribe(topic); err != nil {
			r.logger.Error("failed to unsubscribe", "topic", topic, "error", err)
			continue
		}

		r.m.Lock()
		delete(r.subscribed, topic)
		r.m.Unlock()

		r.logger.Info("unsubscribed stale topic", "topic", topic)
		if err := r.source.AppendAudit(ctx, "topics", "unsubscribe", topic); err != nil {
			r.logger.Warn("failed to audit unsubscribe", "topic", topic, "error", err)
		}
	}

	return nil
}

// Subscribed returns whether the registry currently tracks the topic.
func (r *Registry) Subscribed(topic string) bool {
	r.m.Lock()
	defer r.m.Unlock()
	_, ok := r.subscribed[topic]
	return ok
}
