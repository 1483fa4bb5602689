// Package ingest validates inbound sensor payloads, maintains the shared
// sensor cache and fans enriched measurements out to every monitoring
// session.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"climacore.dev/climacore/internal/store"
	"climacore.dev/climacore/internal/topics"
	"climacore.dev/climacore/pkg/events"
	"climacore.dev/climacore/pkg/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256

	// Minimum spacing of chart-update emissions per area.
	chartThrottleInterval = time.Second
)

// Resolver maps an inbound topic to a channel descriptor.
type Resolver interface {
	Resolve(ctx context.Context, topic string) (*topics.Descriptor, error)
}

// MeasurementStore is the slice of the persistence collaborator the pipeline
// writes through.
type MeasurementStore interface {
	SaveMeasurement(ctx context.Context, m *store.Measurement, channelID uint) error
	AppendControlLog(ctx context.Context, entry *store.ControlLog) error
}

// SessionView is the read side of the session registry: the sole gate for
// whether a reading triggers persistence and emission.
type SessionView interface {
	AreasFor(ownerID uint) []string
}

// Config holds the pipeline configuration.
type Config struct {
	Logger   *slog.Logger
	Resolver Resolver
	Store    MeasurementStore
	Sessions SessionView
	Emitter  events.Emitter
	Cache    *Cache
	Metrics  *metrics.IngestMetrics

	// Workers is the number of concurrent message processors.
	Workers int
	// QueueSize bounds the inbound queue; a full queue back-pressures the
	// transport callback.
	QueueSize int
}

type inbound struct {
	topic   string
	payload []byte
}

// Pipeline consumes raw transport messages and turns them into cache
// updates, persisted measurements and scoped events.
type Pipeline struct {
	logger   *slog.Logger
	resolver Resolver
	store    MeasurementStore
	sessions SessionView
	emitter  events.Emitter
	cache    *Cache
	metrics  *metrics.IngestMetrics
	throttle *Throttle

	queue   chan inbound
	workers int

	pairM     sync.Mutex
	pairLocks map[string]*sync.Mutex

	wg sync.WaitGroup
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(cfg *Config) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session view cannot be nil")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("emitter cannot be nil")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache cannot be nil")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Pipeline{
		logger:    cfg.Logger,
		resolver:  cfg.Resolver,
		store:     cfg.Store,
		sessions:  cfg.Sessions,
		emitter:   cfg.Emitter,
		cache:     cfg.Cache,
		metrics:   cfg.Metrics,
		throttle:  NewThrottle(chartThrottleInterval),
		queue:     make(chan inbound, queueSize),
		workers:   workers,
		pairLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Start launches the worker pool. Workers exit when the context is canceled.
func (p *Pipeline) Start(ctx context.Context) {
	p.logger.Info("starting ingestion pipeline", "workers", p.workers)
	for range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-p.queue:
					p.process(ctx, msg)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// HandleMessage is the transport callback. A full queue blocks the callback,
// which is the bounded back-pressure point; the connection itself applies no
// additional buffering.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	p.queue <- inbound{topic: topic, payload: payload}
}

// pairLock returns the mutex serializing writes for one (owner, area) pair.
// Different pairs proceed fully in parallel.
func (p *Pipeline) pairLock(ownerID uint, area string) *sync.Mutex {
	key := fmt.Sprintf("%d/%s", ownerID, area)
	p.pairM.Lock()
	defer p.pairM.Unlock()
	if l, ok := p.pairLocks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	p.pairLocks[key] = l
	return l
}

// process handles one inbound message end to end. All failure modes drop the
// message and keep the pipeline alive.
func (p *Pipeline) process(ctx context.Context, msg inbound) {
	if len(msg.payload) > MaxPayloadSize {
		p.logger.Warn("payload exceeds size ceiling, dropped",
			"topic", msg.topic,
			"size", len(msg.payload),
		)
		if p.metrics != nil {
			p.metrics.ReadingsRejected.WithLabelValues("oversize").Inc()
		}
		return
	}

	desc, err := p.resolver.Resolve(ctx, msg.topic)
	if err != nil {
		if errors.Is(err, topics.ErrUnknownTopic) {
			p.logger.Warn("message on unresolved topic, dropped", "topic", msg.topic)
			if p.metrics != nil {
				p.metrics.ResolutionMisses.Inc()
			}
			return
		}
		p.logger.Error("topic resolution failed", "topic", msg.topic, "error", err)
		return
	}

	if desc.Actuator {
		p.processActuatorStatus(ctx, desc, msg)
		return
	}

	p.processSensorReading(ctx, desc, msg)
}

// cacheKey identifies a channel in the cache. Legacy channels have no row id,
// so they key by kind within the fallback scope.
func cacheKey(desc *topics.Descriptor, kind string) string {
	if desc.Legacy {
		return fmt.Sprintf("legacy/%d/%s/%s", desc.OwnerID, desc.Area, kind)
	}
	return fmt.Sprintf("channel/%d/%s", desc.ChannelID, kind)
}

// processSensorReading validates the payload, updates the cache and fans the
// enriched measurement out to every monitoring session of the owner.
func (p *Pipeline) processSensorReading(ctx context.Context, desc *topics.Descriptor, msg inbound) {
	now := time.Now().UTC()

	if IsEnvPayload(msg.payload) {
		env, err := ParseEnv(msg.payload)
		if err != nil {
			p.logger.Warn("invalid environment payload, dropped",
				"topic", msg.topic,
				"error", err,
			)
			if p.metrics != nil {
				p.metrics.ReadingsRejected.WithLabelValues("malformed").Inc()
			}
			return
		}

		at := now
		if env.Timestamp > 0 {
			at = time.Unix(env.Timestamp, 0).UTC()
		}
		for kind, value := range map[string]*float64{
			store.KindTemperature: env.Temperature,
			store.KindHumidity:    env.Humidity,
			store.KindAirflow:     env.Airflow,
		} {
			if value == nil {
				continue
			}
			p.cache.Update(cacheKey(desc, kind), Entry{
				ChannelID: desc.ChannelID,
				OwnerID:   desc.OwnerID,
				Area:      desc.Area,
				Kind:      kind,
				PosX:      desc.PosX,
				PosY:      desc.PosY,
				Value:     *value,
				At:        at,
			})
			if p.metrics != nil {
				p.metrics.ReadingsAccepted.WithLabelValues(kind).Inc()
			}
		}
	} else {
		value, err := ParseReading(desc, msg.payload)
		if err != nil {
			p.logger.Warn("invalid payload, dropped",
				"topic", msg.topic,
				"kind", desc.Kind,
				"error", err,
			)
			if p.metrics != nil {
				p.metrics.ReadingsRejected.WithLabelValues("malformed").Inc()
			}
			return
		}

		p.cache.Update(cacheKey(desc, desc.Kind), Entry{
			ChannelID: desc.ChannelID,
			OwnerID:   desc.OwnerID,
			Area:      desc.Area,
			Kind:      desc.Kind,
			PosX:      desc.PosX,
			PosY:      desc.PosY,
			Value:     value,
			At:        now,
		})
		if p.metrics != nil {
			p.metrics.ReadingsAccepted.WithLabelValues(desc.Kind).Inc()
		}
	}

	p.fanOut(ctx, desc, now)
}

// fanOut persists one enriched measurement and emits events for every
// (owner, area) pair in the session registry. Each pair runs independently:
// one broken write never blocks the others, and outcomes are aggregated
// without short-circuiting.
func (p *Pipeline) fanOut(ctx context.Context, desc *topics.Descriptor, now time.Time) {
	areas := p.sessions.AreasFor(desc.OwnerID)
	if len(areas) == 0 {
		p.logger.Debug("no active session for owner, reading cached only",
			"owner_id", desc.OwnerID,
		)
		return
	}

	var timer *prometheus.Timer
	if p.metrics != nil {
		timer = prometheus.NewTimer(p.metrics.FanoutDuration)
		defer timer.ObserveDuration()
	}

	var wg sync.WaitGroup
	for _, area := range areas {
		wg.Add(1)
		go func(area string) {
			defer wg.Done()
			p.persistAndEmit(ctx, desc, area, now)
		}(area)
	}
	wg.Wait()
}

// persistAndEmit writes one measurement for one (owner, area) pair and emits
// the scoped events. The per-pair lock keeps the read-persist-emit sequence
// for one area from interleaving with another write to the same area.
func (p *Pipeline) persistAndEmit(ctx context.Context, desc *topics.Descriptor, area string, now time.Time) {
	lock := p.pairLock(desc.OwnerID, area)
	lock.Lock()
	defer lock.Unlock()

	snapshot := p.cache.Snapshot(desc.OwnerID, area)
	m := measurementFrom(desc.OwnerID, area, snapshot, now)

	if err := p.store.SaveMeasurement(ctx, m, desc.ChannelID); err != nil {
		p.logger.Error("failed to persist measurement",
			"owner_id", desc.OwnerID,
			"area", area,
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.PersistFailures.WithLabelValues(area).Inc()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.MeasurementsStored.WithLabelValues(area).Inc()
	}

	// The authoritative persisted event goes out immediately, never
	// throttled.
	if err := p.emitter.Emit(ctx, events.EventSensorUpdate, desc.OwnerID, area, m); err != nil {
		p.logger.Warn("failed to emit sensor update",
			"owner_id", desc.OwnerID,
			"area", area,
			"error", err,
		)
	}

	key := fmt.Sprintf("%d/%s", desc.OwnerID, area)
	if !p.throttle.Allow(key, now) {
		if p.metrics != nil {
			p.metrics.EventsThrottled.WithLabelValues(area).Inc()
		}
		return
	}
	if err := p.emitter.Emit(ctx, events.EventEnvironmentUpdate, desc.OwnerID, area, snapshot); err != nil {
		p.logger.Warn("failed to emit environment update",
			"owner_id", desc.OwnerID,
			"area", area,
			"error", err,
		)
	}
}

// measurementFrom builds a measurement row from a full cache snapshot.
func measurementFrom(ownerID uint, area string, snapshot map[string]Reading, now time.Time) *store.Measurement {
	m := &store.Measurement{
		OwnerID:   ownerID,
		Area:      area,
		Timestamp: now,
	}
	if r, ok := snapshot[store.KindTemperature]; ok {
		v := r.Value
		m.Temperature = &v
	}
	if r, ok := snapshot[store.KindHumidity]; ok {
		v := r.Value
		m.Humidity = &v
	}
	if r, ok := snapshot[store.KindAirflow]; ok {
		v := r.Value
		m.Airflow = &v
	}
	if r, ok := snapshot[store.KindSoil]; ok {
		v := r.Value
		m.Soil = &v
	}
	return m
}

// processActuatorStatus records a control-log entry for an actuator's status
// echo and emits the state-changed event. PID state is never touched by
// inbound actuator echoes.
func (p *Pipeline) processActuatorStatus(ctx context.Context, desc *topics.Descriptor, msg inbound) {
	entry := &store.ControlLog{
		OwnerID:    desc.OwnerID,
		Area:       desc.Area,
		ActuatorID: desc.ChannelID,
		Timestamp:  time.Now().UTC(),
	}

	var echo CommandPayload
	if err := json.Unmarshal(msg.payload, &echo); err == nil && echo.Type != "" {
		entry.Command = echo.Type
		entry.Status = echo.Status
		if entry.Status == "" {
			entry.Status = "reported"
		}
	} else {
		entry.Command = "status"
		entry.Status = string(msg.payload)
	}

	if err := p.store.AppendControlLog(ctx, entry); err != nil {
		p.logger.Error("failed to append control log",
			"actuator_id", desc.ChannelID,
			"error", err,
		)
	}

	if err := p.emitter.Emit(ctx, events.EventActuatorUpdate, desc.OwnerID, desc.Area, entry); err != nil {
		p.logger.Warn("failed to emit actuator update",
			"actuator_id", desc.ChannelID,
			"error", err,
		)
	}
}
