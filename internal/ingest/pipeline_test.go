package ingest_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"climacore.dev/climacore/internal/ingest"
	"climacore.dev/climacore/internal/sessions"
	"climacore.dev/climacore/internal/store"
	"climacore.dev/climacore/internal/topics"
	"climacore.dev/climacore/pkg/events"
)

type fakeResolver struct {
	descriptors map[string]*topics.Descriptor
}

func (f *fakeResolver) Resolve(_ context.Context, topic string) (*topics.Descriptor, error) {
	if desc, ok := f.descriptors[topic]; ok {
		return desc, nil
	}
	return nil, fmt.Errorf("%s: %w", topic, topics.ErrUnknownTopic)
}

type fakeStore struct {
	m            sync.Mutex
	measurements []store.Measurement
	controlLogs  []store.ControlLog
	failAreas    map[string]bool
}

func (f *fakeStore) SaveMeasurement(_ context.Context, m *store.Measurement, _ uint) error {
	f.m.Lock()
	defer f.m.Unlock()
	if f.failAreas[m.Area] {
		return fmt.Errorf("simulated write failure for %s", m.Area)
	}
	f.measurements = append(f.measurements, *m)
	return nil
}

func (f *fakeStore) AppendControlLog(_ context.Context, entry *store.ControlLog) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.controlLogs = append(f.controlLogs, *entry)
	return nil
}

func (f *fakeStore) storedMeasurements() []store.Measurement {
	f.m.Lock()
	defer f.m.Unlock()
	out := make([]store.Measurement, len(f.measurements))
	copy(out, f.measurements)
	return out
}

func (f *fakeStore) storedControlLogs() []store.ControlLog {
	f.m.Lock()
	defer f.m.Unlock()
	out := make([]store.ControlLog, len(f.controlLogs))
	copy(out, f.controlLogs)
	return out
}

type emittedEvent struct {
	event   string
	ownerID uint
	area    string
}

type fakeEmitter struct {
	m      sync.Mutex
	events []emittedEvent
}

func (f *fakeEmitter) Emit(_ context.Context, event string, ownerID uint, area string, _ any) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.events = append(f.events, emittedEvent{event: event, ownerID: ownerID, area: area})
	return nil
}

func (f *fakeEmitter) emitted() []emittedEvent {
	f.m.Lock()
	defer f.m.Unlock()
	out := make([]emittedEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeEmitter) countOf(event string) int {
	f.m.Lock()
	defer f.m.Unlock()
	n := 0
	for _, e := range f.events {
		if e.event == event {
			n++
		}
	}
	return n
}

var _ = Describe("Pipeline", func() {
	var (
		logger   *slog.Logger
		resolver *fakeResolver
		st       *fakeStore
		emitter  *fakeEmitter
		registry *sessions.Registry
		cache    *ingest.Cache
		pipeline *ingest.Pipeline
		ctx      context.Context
		cancel   context.CancelFunc
	)

	tempDesc := &topics.Descriptor{
		ChannelID: 1, OwnerID: 7, Area: "greenhouse",
		Kind: store.KindTemperature, Unit: "°C", PosX: 1, PosY: 1,
	}
	humidityDesc := &topics.Descriptor{
		ChannelID: 2, OwnerID: 7, Area: "greenhouse",
		Kind: store.KindHumidity, Unit: "%", PosX: 2, PosY: 2,
	}
	actuatorDesc := &topics.Descriptor{
		Actuator: true, ChannelID: 9, OwnerID: 7, Area: "greenhouse",
		Kind: store.ActuatorHeater, MaxOutput: 100,
	}

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
		resolver = &fakeResolver{descriptors: map[string]*topics.Descriptor{
			"sensors/7/greenhouse/temp":     tempDesc,
			"sensors/7/greenhouse/humidity": humidityDesc,
			"actuators/7/greenhouse/heater": actuatorDesc,
		}}
		st = &fakeStore{failAreas: map[string]bool{}}
		emitter = &fakeEmitter{}
		registry = sessions.NewRegistry(nil)
		cache = ingest.NewCache()

		var err error
		pipeline, err = ingest.NewPipeline(&ingest.Config{
			Logger:   logger,
			Resolver: resolver,
			Store:    st,
			Sessions: registry,
			Emitter:  emitter,
			Cache:    cache,
			Workers:  2,
		})
		Expect(err).NotTo(HaveOccurred())

		ctx, cancel = context.WithCancel(context.Background())
		pipeline.Start(ctx)
	})

	AfterEach(func() {
		cancel()
		pipeline.Wait()
	})

	Describe("NewPipeline", func() {
		It("should return error when config is nil", func() {
			p, err := ingest.NewPipeline(nil)
			Expect(err).To(HaveOccurred())
			Expect(p).To(BeNil())
		})

		It("should return error when the cache is nil", func() {
			p, err := ingest.NewPipeline(&ingest.Config{
				Logger:   logger,
				Resolver: resolver,
				Store:    st,
				Sessions: registry,
				Emitter:  emitter,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("cache"))
			Expect(p).To(BeNil())
		})
	})

	Context("when the owner has no joined areas", func() {
		It("should cache the reading but produce zero measurements and zero events", func() {
			pipeline.HandleMessage("sensors/7/greenhouse/temp", []byte("21.5"))

			Eventually(cache.Len).Should(Equal(1))
			Consistently(func() int { return len(st.storedMeasurements()) }).Should(BeZero())
			Expect(emitter.emitted()).To(BeEmpty())
		})
	})

	Context("when the owner is monitoring areas", func() {
		BeforeEach(func() {
			registry.Join(7, "greenhouse")
		})

		It("should persist one measurement and emit the sensor update", func() {
			pipeline.HandleMessage("sensors/7/greenhouse/temp", []byte("21.5"))

			Eventually(func() int { return len(st.storedMeasurements()) }).Should(Equal(1))

			m := st.storedMeasurements()[0]
			Expect(m.OwnerID).To(Equal(uint(7)))
			Expect(m.Area).To(Equal("greenhouse"))
			Expect(m.Temperature).NotTo(BeNil())
			Expect(*m.Temperature).To(Equal(21.5))

			Eventually(func() int { return emitter.countOf(events.EventSensorUpdate) }).Should(Equal(1))
		})

		It("should enrich measurements with the full cache snapshot", func() {
			pipeline.HandleMessage("sensors/7/greenhouse/temp", []byte("21.5"))
			Eventually(func() int { return len(st.storedMeasurements()) }).Should(Equal(1))

			// A humidity-only update still carries the last known temperature.
			pipeline.HandleMessage("sensors/7/greenhouse/humidity", []byte("60"))
			Eventually(func() int { return len(st.storedMeasurements()) }).Should(Equal(2))

			m := st.storedMeasurements()[1]
			Expect(m.Humidity).NotTo(BeNil())
			Expect(*m.Humidity).To(Equal(60.0))
			Expect(m.Temperature).NotTo(BeNil())
			Expect(*m.Temperature).To(Equal(21.5))
		})

		It("should fan out to every joined area", func() {
			registry.Join(7, "kitchen")

			pipeline.HandleMessage("sensors/7/greenhouse/temp", []byte("21.5"))

			Eventually(func() int { return len(st.storedMeasurements()) }).Should(Equal(2))
			areas := map[string]bool{}
			for _, m := range st.storedMeasurements() {
				areas[m.Area] = true
			}
			Expect(areas).To(HaveKey("greenhouse"))
			Expect(areas).To(HaveKey("kitchen"))
		})

		It("should scope each fanned-out snapshot to its own area", func() {
			registry.Join(7, "kitchen")

			pipeline.HandleMessage("sensors/7/greenhouse/temp", []byte("21.5"))

			Eventually(func() int { return len(st.storedMeasurements()) }).Should(Equal(2))
			for _, m := range st.storedMeasurements() {
				if m.Area == "kitchen" {
					// No kitchen channel has reported, so the kitchen row
					// carries no greenhouse values.
					Expect(m.Temperature).To(BeNil())
				} else {
					Expect(m.Temperature).NotTo(BeNil())
					Expect(*m.Temperature).To(Equal(21.5))
				}
			}
		})

		It("should isolate a persistence failure to its own pair", func() {
			registry.Join(7, "kitchen")
			st.failAreas["kitchen"] = true

			pipeline.HandleMessage("sensors/7/greenhouse/temp", []byte("21.5"))

			Eventually(func() int { return len(st.storedMeasurements()) }).Should(Equal(1))
			Expect(st.storedMeasurements()[0].Area).To(Equal("greenhouse"))
			Eventually(func() int { return emitter.countOf(events.EventSensorUpdate) }).Should(Equal(1))
		})

		It("should drop malformed payloads without persisting", func() {
			pipeline.HandleMessage("sensors/7/greenhouse/temp", []byte("NaN"))

			Consistently(func() int { return len(st.storedMeasurements()) }).Should(BeZero())
			Expect(cache.Len()).To(BeZero())
		})

		It("should drop messages on unresolved topics", func() {
			pipeline.HandleMessage("sensors/unknown", []byte("21.5"))

			Consistently(func() int { return len(st.storedMeasurements()) }).Should(BeZero())
		})

		It("should process structured environment payloads", func() {
			pipeline.HandleMessage("sensors/7/greenhouse/temp",
				[]byte(`{"temperature":22.0,"humidity":58.5,"airflow":1.2,"timestamp":1700000000}`))

			Eventually(func() int { return len(st.storedMeasurements()) }).Should(Equal(1))
			m := st.storedMeasurements()[0]
			Expect(*m.Temperature).To(Equal(22.0))
			Expect(*m.Humidity).To(Equal(58.5))
			Expect(*m.Airflow).To(Equal(1.2))
		})

		It("should throttle chart updates but never the persisted event", func() {
			for range 5 {
				pipeline.HandleMessage("sensors/7/greenhouse/temp", []byte("21.5"))
			}

			Eventually(func() int { return len(st.storedMeasurements()) }).Should(Equal(5))
			Expect(emitter.countOf(events.EventSensorUpdate)).To(Equal(5))
			Expect(emitter.countOf(events.EventEnvironmentUpdate)).To(Equal(1))
		})
	})

	Context("actuator status echoes", func() {
		It("should append a control log entry and emit the state change", func() {
			pipeline.HandleMessage("actuators/7/greenhouse/heater",
				[]byte(`{"type":"heat","value":40,"target":22,"actual":20.5,"status":"executed","timestamp":1700000000}`))

			Eventually(func() int { return len(st.storedControlLogs()) }).Should(Equal(1))
			entry := st.storedControlLogs()[0]
			Expect(entry.ActuatorID).To(Equal(uint(9)))
			Expect(entry.Command).To(Equal("heat"))
			Expect(entry.Status).To(Equal("executed"))

			Eventually(func() int { return emitter.countOf(events.EventActuatorUpdate) }).Should(Equal(1))
		})

		It("should not touch the measurement path", func() {
			registry.Join(7, "greenhouse")
			pipeline.HandleMessage("actuators/7/greenhouse/heater", []byte("on"))

			Eventually(func() int { return len(st.storedControlLogs()) }).Should(Equal(1))
			Consistently(func() int { return len(st.storedMeasurements()) }).Should(BeZero())
		})
	})
})

var _ = Describe("Throttle", func() {
	It("should allow the first emission and coalesce rapid repeats", func() {
		throttle := ingest.NewThrottle(time.Second)
		now := time.Now()

		Expect(throttle.Allow("7/greenhouse", now)).To(BeTrue())
		Expect(throttle.Allow("7/greenhouse", now.Add(100*time.Millisecond))).To(BeFalse())
		Expect(throttle.Allow("7/greenhouse", now.Add(999*time.Millisecond))).To(BeFalse())
		Expect(throttle.Allow("7/greenhouse", now.Add(time.Second))).To(BeTrue())
	})

	It("should track keys independently", func() {
		throttle := ingest.NewThrottle(time.Second)
		now := time.Now()

		Expect(throttle.Allow("7/greenhouse", now)).To(BeTrue())
		Expect(throttle.Allow("7/kitchen", now)).To(BeTrue())
	})
})
