package ingest

import (
	"sync"
	"time"
)

// Reading is the latest known value for one logical channel.
type Reading struct {
	Value float64
	At    time.Time
}

// Entry is one cached channel value plus the channel metadata needed to
// enrich measurements and feed the control engine.
type Entry struct {
	ChannelID uint
	OwnerID   uint
	Area      string
	Kind      string
	PosX      float64
	PosY      float64
	Value     float64
	At        time.Time
}

// Sample is a positioned sensor reading handed to the control engine.
type Sample struct {
	ChannelID uint
	X         float64
	Y         float64
	Value     float64
	At        time.Time
}

// Cache holds the most recent value per channel. It is written from
// concurrent message callbacks and read by the enrichment and control steps,
// so every access is serialized through one lock and readers always get a
// consistent snapshot, never a partial update.
type Cache struct {
	m       sync.Mutex
	entries map[string]Entry
}

// NewCache creates an empty sensor cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]Entry)}
}

// Update overwrites the cached value for the entry's channel.
func (c *Cache) Update(key string, e Entry) {
	c.m.Lock()
	c.entries[key] = e
	c.m.Unlock()
}

// Get returns the cached entry for a key.
func (c *Cache) Get(key string) (Entry, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Snapshot returns the latest reading per value kind for one (owner, area)
// pair, taken under the lock as one consistent view. Measurements are always
// enriched from this full snapshot, not just the channel that changed;
// readings from the owner's other areas never leak in.
func (c *Cache) Snapshot(ownerID uint, area string) map[string]Reading {
	c.m.Lock()
	defer c.m.Unlock()

	snap := make(map[string]Reading)
	for _, e := range c.entries {
		if e.OwnerID != ownerID || e.Area != area {
			continue
		}
		if current, ok := snap[e.Kind]; ok && current.At.After(e.At) {
			continue
		}
		snap[e.Kind] = Reading{Value: e.Value, At: e.At}
	}
	return snap
}

// FreshSamples returns the positioned readings of one kind in one area newer
// than the cutoff, for spatial control input.
func (c *Cache) FreshSamples(ownerID uint, area, kind string, since time.Time) []Sample {
	c.m.Lock()
	defer c.m.Unlock()

	samples := make([]Sample, 0)
	for _, e := range c.entries {
		if e.OwnerID != ownerID || e.Area != area || e.Kind != kind {
			continue
		}
		if !e.At.After(since) {
			continue
		}
		samples = append(samples, Sample{
			ChannelID: e.ChannelID,
			X:         e.PosX,
			Y:         e.PosY,
			Value:     e.Value,
			At:        e.At,
		})
	}
	return samples
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.entries)
}
