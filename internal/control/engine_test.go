package control_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"climacore.dev/climacore/internal/control"
	"climacore.dev/climacore/internal/ingest"
	"climacore.dev/climacore/internal/sessions"
	"climacore.dev/climacore/internal/store"
)

// fakeControlStore is an in-memory ControlStore.
type fakeControlStore struct {
	m             sync.Mutex
	setpoints     map[string]*store.Setpoint
	actuators     map[string][]store.ActuatorChannel
	decisions     []store.ControlDecision
	states        []store.ControlState
	failDecisions bool
}

func newFakeControlStore() *fakeControlStore {
	return &fakeControlStore{
		setpoints: make(map[string]*store.Setpoint),
		actuators: make(map[string][]store.ActuatorChannel),
	}
}

func pairKey(ownerID uint, area string) string {
	return fmt.Sprintf("%d/%s", ownerID, area)
}

func (f *fakeControlStore) SetpointFor(_ context.Context, ownerID uint, area string) (*store.Setpoint, error) {
	f.m.Lock()
	defer f.m.Unlock()
	if sp, ok := f.setpoints[pairKey(ownerID, area)]; ok {
		return sp, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeControlStore) ActuatorsForArea(_ context.Context, ownerID uint, area string) ([]store.ActuatorChannel, error) {
	f.m.Lock()
	defer f.m.Unlock()
	return f.actuators[pairKey(ownerID, area)], nil
}

func (f *fakeControlStore) SaveControlDecision(_ context.Context, d *store.ControlDecision) error {
	f.m.Lock()
	defer f.m.Unlock()
	if f.failDecisions {
		return errors.New("storage down")
	}
	f.decisions = append(f.decisions, *d)
	return nil
}

func (f *fakeControlStore) SaveControlState(_ context.Context, s *store.ControlState) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.states = append(f.states, *s)
	return nil
}

func (f *fakeControlStore) savedDecisions() []store.ControlDecision {
	f.m.Lock()
	defer f.m.Unlock()
	out := make([]store.ControlDecision, len(f.decisions))
	copy(out, f.decisions)
	return out
}

// fakeCache serves canned fresh samples per (owner, area, kind).
type fakeCache struct {
	m       sync.Mutex
	samples map[string][]ingest.Sample
}

func newFakeCache() *fakeCache {
	return &fakeCache{samples: make(map[string][]ingest.Sample)}
}

func (f *fakeCache) set(ownerID uint, area, kind string, samples []ingest.Sample) {
	f.m.Lock()
	defer f.m.Unlock()
	f.samples[pairKey(ownerID, area)+"/"+kind] = samples
}

func (f *fakeCache) FreshSamples(ownerID uint, area, kind string, _ time.Time) []ingest.Sample {
	f.m.Lock()
	defer f.m.Unlock()
	return f.samples[pairKey(ownerID, area)+"/"+kind]
}

// fakePublisher records published commands.
type fakePublisher struct {
	m         sync.Mutex
	published []publishedCommand
	failAll   bool
}

type publishedCommand struct {
	topic   string
	qos     byte
	payload ingest.CommandPayload
}

func (f *fakePublisher) Publish(_ context.Context, topic string, qos byte, _ bool, payload []byte) error {
	f.m.Lock()
	defer f.m.Unlock()
	if f.failAll {
		return errors.New("transport down")
	}
	var cmd ingest.CommandPayload
	Expect(json.Unmarshal(payload, &cmd)).To(Succeed())
	f.published = append(f.published, publishedCommand{topic: topic, qos: qos, payload: cmd})
	return nil
}

func (f *fakePublisher) commands() []publishedCommand {
	f.m.Lock()
	defer f.m.Unlock()
	out := make([]publishedCommand, len(f.published))
	copy(out, f.published)
	return out
}

// fakeControlEmitter records emitted events.
type fakeControlEmitter struct {
	m      sync.Mutex
	events []string
}

func (f *fakeControlEmitter) Emit(_ context.Context, event string, _ uint, _ string, _ any) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.events = append(f.events, event)
	return nil
}

var _ = Describe("Engine", func() {
	const (
		ownerID = uint(1)
		area    = "greenhouse-a"
	)

	var (
		ctx       context.Context
		cstore    *fakeControlStore
		cache     *fakeCache
		publisher *fakePublisher
		emitter   *fakeControlEmitter
		registry  *sessions.Registry
		engine    *control.Engine
	)

	freshPair := func(values ...float64) []ingest.Sample {
		now := time.Now().UTC()
		samples := make([]ingest.Sample, len(values))
		for i, v := range values {
			samples[i] = ingest.Sample{
				ChannelID: uint(i + 1),
				X:         float64(i * 10),
				Y:         0,
				Value:     v,
				At:        now,
			}
		}
		return samples
	}

	BeforeEach(func() {
		ctx = context.Background()
		cstore = newFakeControlStore()
		cache = newFakeCache()
		publisher = &fakePublisher{}
		emitter = &fakeControlEmitter{}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		registry = sessions.NewRegistry(logger)
		registry.Join(ownerID, area)

		var err error
		engine, err = control.NewEngine(&control.Config{
			Logger:    logger,
			Store:     cstore,
			Sessions:  registry,
			Cache:     cache,
			Transport: publisher,
			Emitter:   emitter,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewEngine", func() {
		It("rejects a nil config", func() {
			_, err := control.NewEngine(nil)
			Expect(err).To(HaveOccurred())
		})

		It("rejects a missing store", func() {
			_, err := control.NewEngine(&control.Config{
				Logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
				Sessions:  registry,
				Cache:     cache,
				Transport: publisher,
				Emitter:   emitter,
			})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("TickArea", func() {
		It("skips the tick with fewer than two fresh sensors", func() {
			cache.set(ownerID, area, store.KindTemperature, freshPair(20.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 100, PosX: 5, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			Expect(publisher.commands()).To(BeEmpty())
			Expect(cstore.savedDecisions()).To(BeEmpty())
		})

		It("does nothing for an area without actuators", func() {
			cache.set(ownerID, area, store.KindTemperature, freshPair(20.0, 30.0))

			engine.TickArea(ctx, ownerID, area)

			Expect(publisher.commands()).To(BeEmpty())
		})

		It("heats a cold zone toward the setpoint using the interpolated field", func() {
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 25.0}
			cache.set(ownerID, area, store.KindTemperature, freshPair(20.0, 30.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 100, PosX: 0, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			cmds := publisher.commands()
			Expect(cmds).To(HaveLen(1))
			Expect(cmds[0].topic).To(Equal("act/heater"))
			Expect(cmds[0].qos).To(Equal(byte(1)))
			Expect(cmds[0].payload.Type).To(Equal(control.CommandHeat))
			Expect(cmds[0].payload.Value).To(BeNumerically(">", 0))
			Expect(cmds[0].payload.Target).To(Equal(25.0))
			// The heater sits on the 20.0 sensor, so the estimate is exact.
			Expect(cmds[0].payload.Actual).To(Equal(20.0))
		})

		It("never exceeds the actuator's output ceiling", func() {
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 60.0}
			cache.set(ownerID, area, store.KindTemperature, freshPair(10.0, 12.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 50, PosX: 0, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)
			engine.TickArea(ctx, ownerID, area)

			for _, cmd := range publisher.commands() {
				Expect(cmd.payload.Value).To(BeNumerically("<=", 50.0))
			}
		})

		It("gives a heater no command when the zone is too hot", func() {
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 20.0}
			cache.set(ownerID, area, store.KindTemperature, freshPair(28.0, 30.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 100, PosX: 0, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			Expect(publisher.commands()).To(BeEmpty())
		})

		It("cools a hot zone", func() {
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 20.0}
			cache.set(ownerID, area, store.KindTemperature, freshPair(28.0, 30.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 11, Type: store.ActuatorCooler, Topic: "act/cooler", MaxOutput: 100, PosX: 0, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			cmds := publisher.commands()
			Expect(cmds).To(HaveLen(1))
			Expect(cmds[0].payload.Type).To(Equal(control.CommandCool))
			Expect(cmds[0].payload.Value).To(BeNumerically(">", 0))
		})

		It("never commands a heater and a cooler in the same zone on one tick", func() {
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 25.0}
			// One cold spot and one hot spot: the heater near the cold
			// sensor wants heat, the cooler near the hot one wants cool.
			cache.set(ownerID, area, store.KindTemperature, freshPair(18.0, 30.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 100, PosX: 0, PosY: 0},
				{ID: 11, Type: store.ActuatorCooler, Topic: "act/cooler", MaxOutput: 100, PosX: 10, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			cmds := publisher.commands()
			Expect(cmds).To(HaveLen(1))
			// The heater's zone is further off target, so it wins and the
			// cooler is suppressed.
			Expect(cmds[0].payload.Type).To(Equal(control.CommandHeat))
		})

		It("commands a fan from the output magnitude", func() {
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 25.0}
			cache.set(ownerID, area, store.KindTemperature, freshPair(20.0, 22.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 12, Type: store.ActuatorFan, Topic: "act/fan", MaxOutput: 100, PosX: 0, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			cmds := publisher.commands()
			Expect(cmds).To(HaveLen(1))
			Expect(cmds[0].payload.Type).To(Equal(control.CommandFan))
			Expect(cmds[0].payload.Value).To(BeNumerically(">", 0))
		})

		It("types each command by the actuator, a thermal command carries no fan companion", func() {
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 25.0}
			cache.set(ownerID, area, store.KindTemperature, freshPair(18.0, 20.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 100, PosX: 0, PosY: 0},
				{ID: 12, Type: store.ActuatorFan, Topic: "act/fan", MaxOutput: 100, PosX: 1, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			types := map[string]int{}
			for _, cmd := range publisher.commands() {
				types[cmd.payload.Type]++
			}
			Expect(types[control.CommandHeat]).To(Equal(1))
			Expect(types[control.CommandFan]).To(Equal(1))
			Expect(publisher.commands()).To(HaveLen(2))
		})

		It("falls back to the default target without a setpoint", func() {
			cache.set(ownerID, area, store.KindTemperature, freshPair(15.0, 17.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 100, PosX: 0, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			cmds := publisher.commands()
			Expect(cmds).To(HaveLen(1))
			Expect(cmds[0].payload.Target).To(Equal(22.0))
		})

		It("persists one decision per issued command and emits the event", func() {
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 25.0}
			cache.set(ownerID, area, store.KindTemperature, freshPair(20.0, 21.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 100, PosX: 0, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			decisions := cstore.savedDecisions()
			Expect(decisions).To(HaveLen(1))
			Expect(decisions[0].ActuatorID).To(Equal(uint(10)))
			Expect(decisions[0].CommandType).To(Equal(control.CommandHeat))
			Expect(emitter.events).To(ContainElement("spatialControlCommand"))
		})

		It("still publishes when persisting the decision fails", func() {
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 25.0}
			cstore.failDecisions = true
			cache.set(ownerID, area, store.KindTemperature, freshPair(20.0, 21.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 100, PosX: 0, PosY: 0},
			}

			engine.TickArea(ctx, ownerID, area)

			Expect(publisher.commands()).To(HaveLen(1))
		})
	})

	Describe("TickAll", func() {
		It("only ticks monitored areas", func() {
			cache.set(ownerID, "unwatched", store.KindTemperature, freshPair(18.0, 19.0))
			cstore.actuators[pairKey(ownerID, "unwatched")] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater", MaxOutput: 100, PosX: 0, PosY: 0},
			}

			engine.TickAll(ctx)

			Expect(publisher.commands()).To(BeEmpty())
		})

		It("ticks every monitored pair", func() {
			registry.Join(2, "lab")
			cstore.setpoints[pairKey(ownerID, area)] = &store.Setpoint{Temperature: 25.0}
			cstore.setpoints[pairKey(2, "lab")] = &store.Setpoint{Temperature: 25.0}
			cache.set(ownerID, area, store.KindTemperature, freshPair(20.0, 21.0))
			cache.set(2, "lab", store.KindTemperature, freshPair(19.0, 20.0))
			cstore.actuators[pairKey(ownerID, area)] = []store.ActuatorChannel{
				{ID: 10, Type: store.ActuatorHeater, Topic: "act/heater-a", MaxOutput: 100, PosX: 0, PosY: 0},
			}
			cstore.actuators[pairKey(2, "lab")] = []store.ActuatorChannel{
				{ID: 20, Type: store.ActuatorHeater, Topic: "act/heater-b", MaxOutput: 100, PosX: 0, PosY: 0},
			}

			engine.TickAll(ctx)

			topicsSeen := []string{}
			for _, cmd := range publisher.commands() {
				topicsSeen = append(topicsSeen, cmd.topic)
			}
			Expect(topicsSeen).To(ConsistOf("act/heater-a", "act/heater-b"))
		})
	})
})
