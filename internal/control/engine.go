// Package control implements the spatial control engine: a periodic loop
// per monitored area that estimates the temperature field from distributed
// sensors, drives one adaptive PID controller per actuator and publishes the
// resulting commands.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"climacore.dev/climacore/internal/ingest"
	"climacore.dev/climacore/internal/sessions"
	"climacore.dev/climacore/internal/store"
	"climacore.dev/climacore/pkg/events"
	"climacore.dev/climacore/pkg/metrics"
)

// Command types published to actuators.
const (
	CommandHeat = "heat"
	CommandCool = "cool"
	CommandFan  = "fan"
)

const (
	defaultTickInterval    = 30 * time.Second
	defaultFreshnessWindow = 5 * time.Minute
	defaultSearchRadius    = 10.0
	defaultGridCellSize    = 5.0
	defaultTolerance       = 0.5
	defaultTarget          = 22.0

	// Outputs below this magnitude yield no command for the tick.
	outputDeadband = 1e-9

	commandQoS = 1
)

// minFreshSensors is the precondition for spatial control: interpolating a
// field needs more than one observation point.
const minFreshSensors = 2

// ControlStore is the slice of the persistence collaborator the engine
// consumes.
type ControlStore interface {
	SetpointFor(ctx context.Context, ownerID uint, area string) (*store.Setpoint, error)
	ActuatorsForArea(ctx context.Context, ownerID uint, area string) ([]store.ActuatorChannel, error)
	SaveControlDecision(ctx context.Context, d *store.ControlDecision) error
	SaveControlState(ctx context.Context, state *store.ControlState) error
}

// SessionSource enumerates the (owner, area) pairs under active monitoring.
// Only monitored areas participate in the control loop.
type SessionSource interface {
	ActivePairs() []sessions.Pair
}

// CacheView is the read side of the shared sensor cache.
type CacheView interface {
	FreshSamples(ownerID uint, area, kind string, since time.Time) []ingest.Sample
}

// Publisher sends actuator commands over the transport.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// Config holds the engine configuration.
type Config struct {
	Logger    *slog.Logger
	Store     ControlStore
	Sessions  SessionSource
	Cache     CacheView
	Transport Publisher
	Emitter   events.Emitter
	Metrics   *metrics.ControlMetrics

	TickInterval    time.Duration
	FreshnessWindow time.Duration
	SearchRadius    float64
	GridCellSize    float64
	Tolerance       float64
	DefaultTarget   float64
}

// Engine runs the per-area control loop.
type Engine struct {
	logger    *slog.Logger
	store     ControlStore
	sessions  SessionSource
	cache     CacheView
	transport Publisher
	emitter   events.Emitter
	metrics   *metrics.ControlMetrics

	tickInterval    time.Duration
	freshnessWindow time.Duration
	searchRadius    float64
	gridCellSize    float64
	tolerance       float64
	defaultTarget   float64

	pidM        sync.Mutex
	controllers map[uint]*AdaptivePID
}

// NewEngine creates a control engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("control config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session source cannot be nil")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache view cannot be nil")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport cannot be nil")
	}
	if cfg.Emitter == nil {
		return nil, errors.New("emitter cannot be nil")
	}

	e := &Engine{
		logger:          cfg.Logger,
		store:           cfg.Store,
		sessions:        cfg.Sessions,
		cache:           cfg.Cache,
		transport:       cfg.Transport,
		emitter:         cfg.Emitter,
		metrics:         cfg.Metrics,
		tickInterval:    cfg.TickInterval,
		freshnessWindow: cfg.FreshnessWindow,
		searchRadius:    cfg.SearchRadius,
		gridCellSize:    cfg.GridCellSize,
		tolerance:       cfg.Tolerance,
		defaultTarget:   cfg.DefaultTarget,
		controllers:     make(map[uint]*AdaptivePID),
	}

	if e.tickInterval <= 0 {
		e.tickInterval = defaultTickInterval
	}
	if e.freshnessWindow <= 0 {
		e.freshnessWindow = defaultFreshnessWindow
	}
	if e.searchRadius <= 0 {
		e.searchRadius = defaultSearchRadius
	}
	if e.gridCellSize <= 0 {
		e.gridCellSize = defaultGridCellSize
	}
	if e.tolerance <= 0 {
		e.tolerance = defaultTolerance
	}
	if e.defaultTarget == 0 {
		e.defaultTarget = defaultTarget
	}

	return e, nil
}

// Run drives the control loop until the context is canceled: the per-area
// tick on the configured interval, and the PID adaptation pass on its own
// wall-clock schedule.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("starting control engine",
		"tick_interval", e.tickInterval,
		"freshness_window", e.freshnessWindow,
	)

	tick := time.NewTicker(e.tickInterval)
	adapt := time.NewTicker(time.Minute)
	defer tick.Stop()
	defer adapt.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("control engine stopped")
			return
		case <-tick.C:
			e.TickAll(ctx)
		case <-adapt.C:
			e.adaptControllers(ctx, time.Now())
		}
	}
}

// TickAll runs one control tick for every monitored (owner, area) pair.
// Areas proceed in parallel; each tick is independent of message ingestion.
func (e *Engine) TickAll(ctx context.Context) {
	pairs := e.sessions.ActivePairs()

	var wg sync.WaitGroup
	for _, pair := range pairs {
		wg.Add(1)
		go func(pair sessions.Pair) {
			defer wg.Done()
			e.TickArea(ctx, pair.OwnerID, pair.Area)
		}(pair)
	}
	wg.Wait()
}

// controllerFor returns the actuator's controller, creating it on first use.
func (e *Engine) controllerFor(actuatorID uint, maxOutput float64) *AdaptivePID {
	e.pidM.Lock()
	defer e.pidM.Unlock()
	if c, ok := e.controllers[actuatorID]; ok {
		return c
	}
	c := NewAdaptivePID(maxOutput, time.Now())
	e.controllers[actuatorID] = c
	return c
}

// candidate is one actuator's estimate and error for the current tick.
type candidate struct {
	actuator store.ActuatorChannel
	estimate float64
	err      float64
}

// TickArea runs one control tick for one area: collect, analyze, estimate,
// control, coordinate, execute.
func (e *Engine) TickArea(ctx context.Context, ownerID uint, area string) {
	var timer *prometheus.Timer
	if e.metrics != nil {
		timer = prometheus.NewTimer(e.metrics.TickDuration)
		defer timer.ObserveDuration()
	}

	now := time.Now().UTC()

	// Collect. Fewer than two fresh observation points is not an error,
	// spatial control simply has nothing to interpolate.
	samples := e.cache.FreshSamples(ownerID, area, store.KindTemperature, now.Add(-e.freshnessWindow))
	if len(samples) < minFreshSensors {
		e.logger.Debug("skipping tick, insufficient fresh sensors",
			"owner_id", ownerID,
			"area", area,
			"fresh", len(samples),
		)
		if e.metrics != nil {
			e.metrics.TicksSkipped.WithLabelValues(area, "insufficient_sensors").Inc()
		}
		return
	}

	target := e.targetFor(ctx, ownerID, area)

	// Analyze.
	stats := Analyze(samples, target, e.tolerance)
	if e.metrics != nil {
		e.metrics.FieldError.WithLabelValues(area).Set(stats.MeanAbsError)
	}
	e.logger.Debug("field analyzed",
		"owner_id", ownerID,
		"area", area,
		"mean", stats.Mean,
		"stddev", stats.StdDev,
		"hotspots", len(stats.Hotspots),
		"coldspots", len(stats.Coldspots),
	)

	actuators, err := e.store.ActuatorsForArea(ctx, ownerID, area)
	if err != nil {
		e.logger.Error("failed to load actuators",
			"owner_id", ownerID,
			"area", area,
			"error", err,
		)
		return
	}
	if len(actuators) == 0 {
		if e.metrics != nil {
			e.metrics.TicksSkipped.WithLabelValues(area, "no_actuators").Inc()
		}
		return
	}

	// Estimate per actuator via the spatial index.
	grid := NewSpatialHashGrid(e.gridCellSize)
	for _, s := range samples {
		grid.Insert(GridPoint{ID: s.ChannelID, X: s.X, Y: s.Y, Value: s.Value})
	}

	candidates := make([]candidate, 0, len(actuators))
	for _, a := range actuators {
		estimate, ok := EstimateIDW(grid, a.PosX, a.PosY, e.searchRadius)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{
			actuator: a,
			estimate: estimate,
			err:      target - estimate,
		})
	}

	// Coordinate: most off-target actuators first.
	sort.Slice(candidates, func(i, j int) bool {
		return math.Abs(candidates[i].err) > math.Abs(candidates[j].err)
	})

	thermalIssued := make(map[string]string)
	for _, cand := range candidates {
		e.controlActuator(ctx, ownerID, area, target, cand, thermalIssued, now)
	}

	if e.metrics != nil {
		e.metrics.TicksRun.WithLabelValues(area).Inc()
	}
}

// targetFor loads the owner's temperature setpoint for the area, falling
// back to the configured default.
func (e *Engine) targetFor(ctx context.Context, ownerID uint, area string) float64 {
	sp, err := e.store.SetpointFor(ctx, ownerID, area)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("failed to load setpoint, using default",
				"owner_id", ownerID,
				"area", area,
				"error", err,
			)
		}
		return e.defaultTarget
	}
	return sp.Temperature
}

// controlActuator runs the PID step for one actuator and executes the
// resulting command, honoring the heater/cooler mutual exclusion per zone.
func (e *Engine) controlActuator(ctx context.Context, ownerID uint, area string, target float64, cand candidate, thermalIssued map[string]string, now time.Time) {
	pid := e.controllerFor(cand.actuator.ID, cand.actuator.MaxOutput)
	output := pid.Update(cand.err, e.tickInterval.Seconds())

	cmdType, cmdValue, ok := commandFor(cand.actuator, output)
	if !ok {
		return
	}

	// A heater and a cooler serving the same zone are never both commanded
	// on the same tick; the later-evaluated of the two is suppressed.
	if cmdType == CommandHeat || cmdType == CommandCool {
		zone := fmt.Sprintf("%d/%s", ownerID, area)
		if prev, issued := thermalIssued[zone]; issued && prev != cmdType {
			e.logger.Info("suppressing conflicting thermal command",
				"area", area,
				"actuator_id", cand.actuator.ID,
				"suppressed", cmdType,
				"already_issued", prev,
			)
			if e.metrics != nil {
				e.metrics.CommandsSuppressed.WithLabelValues(area).Inc()
			}
			return
		}
		thermalIssued[zone] = cmdType
	}

	e.execute(ctx, ownerID, area, target, cand, cmdType, cmdValue, now)
}

// commandFor converts a signed PID output into a typed command for the
// actuator, clamped to its output ceiling. Zero-magnitude outputs yield no
// command.
func commandFor(a store.ActuatorChannel, output float64) (string, float64, bool) {
	if math.Abs(output) < outputDeadband {
		return "", 0, false
	}

	switch a.Type {
	case store.ActuatorHeater:
		if output <= 0 {
			return "", 0, false
		}
		return CommandHeat, clamp(output, 0, a.MaxOutput), true
	case store.ActuatorCooler:
		if output >= 0 {
			return "", 0, false
		}
		return CommandCool, clamp(-output, 0, a.MaxOutput), true
	default:
		// Fans and auxiliary actuators take a speed scaled from the output
		// magnitude.
		return CommandFan, clamp(math.Abs(output), 0, a.MaxOutput), true
	}
}

// execute persists the decision, publishes the command at QoS 1 and emits
// the control update event. A persistence failure is isolated: the command
// still goes out and the tick continues.
func (e *Engine) execute(ctx context.Context, ownerID uint, area string, target float64, cand candidate, cmdType string, cmdValue float64, now time.Time) {
	decision := &store.ControlDecision{
		OwnerID:      ownerID,
		Area:         area,
		ActuatorID:   cand.actuator.ID,
		CommandType:  cmdType,
		CommandValue: cmdValue,
		Target:       target,
		Actual:       cand.estimate,
		Timestamp:    now,
	}
	if err := e.store.SaveControlDecision(ctx, decision); err != nil {
		e.logger.Error("failed to persist control decision",
			"actuator_id", cand.actuator.ID,
			"error", err,
		)
	}

	payload, err := json.Marshal(ingest.CommandPayload{
		Type:      cmdType,
		Value:     cmdValue,
		Target:    target,
		Actual:    cand.estimate,
		Timestamp: now.Unix(),
	})
	if err != nil {
		e.logger.Error("failed to marshal command payload", "error", err)
		return
	}

	if err := e.transport.Publish(ctx, cand.actuator.Topic, commandQoS, false, payload); err != nil {
		e.logger.Error("failed to publish command",
			"topic", cand.actuator.Topic,
			"error", err,
		)
		return
	}

	if e.metrics != nil {
		e.metrics.CommandsIssued.WithLabelValues(area, cmdType).Inc()
	}

	if err := e.emitter.Emit(ctx, events.EventSpatialControlCommand, ownerID, area, decision); err != nil {
		e.logger.Warn("failed to emit control update",
			"actuator_id", cand.actuator.ID,
			"error", err,
		)
	}
}

// adaptControllers runs the wall-clock adaptation pass over every controller
// and snapshots adjusted gains to storage.
func (e *Engine) adaptControllers(ctx context.Context, now time.Time) {
	e.pidM.Lock()
	controllers := make(map[uint]*AdaptivePID, len(e.controllers))
	for id, c := range e.controllers {
		controllers[id] = c
	}
	e.pidM.Unlock()

	for id, c := range controllers {
		snapshot, adjusted := c.Adapt(now)
		if !adjusted {
			continue
		}

		if e.metrics != nil {
			e.metrics.GainAdjustments.WithLabelValues("adapted").Inc()
		}
		e.logger.Info("adapted controller gains",
			"actuator_id", id,
			"kp", snapshot.Kp,
			"ki", snapshot.Ki,
			"kd", snapshot.Kd,
			"avg_abs_error", snapshot.AvgAbsError,
			"oscillations", snapshot.Oscillations,
		)

		state := &store.ControlState{
			ActuatorID:   id,
			Kp:           snapshot.Kp,
			Ki:           snapshot.Ki,
			Kd:           snapshot.Kd,
			AvgAbsError:  snapshot.AvgAbsError,
			Oscillations: snapshot.Oscillations,
			SampleCount:  snapshot.SampleCount,
			Timestamp:    now.UTC(),
		}
		if err := e.store.SaveControlState(ctx, state); err != nil {
			e.logger.Error("failed to snapshot controller state",
				"actuator_id", id,
				"error", err,
			)
		}
	}
}

// ResetController clears one actuator's PID memory, keeping tuned gains.
func (e *Engine) ResetController(actuatorID uint) {
	e.pidM.Lock()
	c, ok := e.controllers[actuatorID]
	e.pidM.Unlock()
	if ok {
		c.Reset()
	}
}
