package ingest_test

import (
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"climacore.dev/climacore/internal/ingest"
	"climacore.dev/climacore/internal/store"
)

var _ = Describe("Cache", func() {
	var cache *ingest.Cache

	BeforeEach(func() {
		cache = ingest.NewCache()
	})

	Describe("Update and Get", func() {
		It("should overwrite the value for a key", func() {
			cache.Update("channel/1/temperature", ingest.Entry{
				ChannelID: 1, OwnerID: 7, Area: "greenhouse",
				Kind: store.KindTemperature, Value: 20.0, At: time.Now(),
			})
			cache.Update("channel/1/temperature", ingest.Entry{
				ChannelID: 1, OwnerID: 7, Area: "greenhouse",
				Kind: store.KindTemperature, Value: 21.5, At: time.Now(),
			})

			e, ok := cache.Get("channel/1/temperature")
			Expect(ok).To(BeTrue())
			Expect(e.Value).To(Equal(21.5))
			Expect(cache.Len()).To(Equal(1))
		})
	})

	Describe("Snapshot", func() {
		It("should return the latest value per kind for one owner and area", func() {
			now := time.Now()
			cache.Update("channel/1/temperature", ingest.Entry{
				ChannelID: 1, OwnerID: 7, Area: "greenhouse",
				Kind: store.KindTemperature, Value: 21.0, At: now,
			})
			cache.Update("channel/2/humidity", ingest.Entry{
				ChannelID: 2, OwnerID: 7, Area: "greenhouse",
				Kind: store.KindHumidity, Value: 55.0, At: now,
			})
			cache.Update("channel/3/temperature", ingest.Entry{
				ChannelID: 3, OwnerID: 9, Area: "cellar",
				Kind: store.KindTemperature, Value: 12.0, At: now,
			})

			snap := cache.Snapshot(7, "greenhouse")
			Expect(snap).To(HaveLen(2))
			Expect(snap[store.KindTemperature].Value).To(Equal(21.0))
			Expect(snap[store.KindHumidity].Value).To(Equal(55.0))
		})

		It("should never mix readings across an owner's areas", func() {
			now := time.Now()
			cache.Update("channel/1/temperature", ingest.Entry{
				ChannelID: 1, OwnerID: 7, Area: "greenhouse",
				Kind: store.KindTemperature, Value: 21.0, At: now,
			})
			cache.Update("channel/2/humidity", ingest.Entry{
				ChannelID: 2, OwnerID: 7, Area: "cellar",
				Kind: store.KindHumidity, Value: 80.0, At: now,
			})

			snap := cache.Snapshot(7, "greenhouse")
			Expect(snap).To(HaveLen(1))
			Expect(snap).To(HaveKey(store.KindTemperature))

			snap = cache.Snapshot(7, "cellar")
			Expect(snap).To(HaveLen(1))
			Expect(snap[store.KindHumidity].Value).To(Equal(80.0))
		})

		It("should prefer the most recent entry when two channels share a kind", func() {
			older := time.Now().Add(-time.Minute)
			newer := time.Now()
			cache.Update("channel/1/temperature", ingest.Entry{
				ChannelID: 1, OwnerID: 7, Area: "greenhouse",
				Kind: store.KindTemperature, Value: 19.0, At: older,
			})
			cache.Update("channel/2/temperature", ingest.Entry{
				ChannelID: 2, OwnerID: 7, Area: "greenhouse",
				Kind: store.KindTemperature, Value: 22.0, At: newer,
			})

			snap := cache.Snapshot(7, "greenhouse")
			Expect(snap[store.KindTemperature].Value).To(Equal(22.0))
		})
	})

	Describe("FreshSamples", func() {
		It("should return only readings newer than the cutoff in the area", func() {
			now := time.Now()
			cache.Update("channel/1/temperature", ingest.Entry{
				ChannelID: 1, OwnerID: 7, Area: "greenhouse",
				Kind: store.KindTemperature, PosX: 0, PosY: 0, Value: 20.0, At: now,
			})
			cache.Update("channel/2/temperature", ingest.Entry{
				ChannelID: 2, OwnerID: 7, Area: "greenhouse",
				Kind: store.KindTemperature, PosX: 10, PosY: 0, Value: 30.0,
				At: now.Add(-10 * time.Minute),
			})
			cache.Update("channel/3/temperature", ingest.Entry{
				ChannelID: 3, OwnerID: 7, Area: "cellar",
				Kind: store.KindTemperature, Value: 12.0, At: now,
			})

			samples := cache.FreshSamples(7, "greenhouse", store.KindTemperature, now.Add(-5*time.Minute))
			Expect(samples).To(HaveLen(1))
			Expect(samples[0].ChannelID).To(Equal(uint(1)))
			Expect(samples[0].Value).To(Equal(20.0))
		})
	})

	Describe("concurrent writes", func() {
		It("should reflect exactly the latest value per channel regardless of writes to other channels", func() {
			var wg sync.WaitGroup
			for ch := range 8 {
				wg.Add(1)
				go func(ch int) {
					defer wg.Done()
					key := fmt.Sprintf("channel/%d/temperature", ch)
					for i := range 100 {
						cache.Update(key, ingest.Entry{
							ChannelID: uint(ch), OwnerID: 7, Area: "greenhouse",
							Kind: store.KindTemperature, Value: float64(i), At: time.Now(),
						})
					}
				}(ch)
			}
			wg.Wait()

			for ch := range 8 {
				e, ok := cache.Get(fmt.Sprintf("channel/%d/temperature", ch))
				Expect(ok).To(BeTrue())
				Expect(e.Value).To(Equal(99.0))
			}
		})
	})
})
