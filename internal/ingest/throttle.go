package ingest

import (
	"sync"
	"time"
)

// Throttle coalesces rapid consecutive chart-update emissions per area. The
// authoritative persisted event is never throttled; only the cosmetic
// environment updates pass through here.
type Throttle struct {
	m        sync.Mutex
	interval time.Duration
	last     map[string]time.Time
}

// NewThrottle creates a throttle with the given minimum interval per key.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		last:     make(map[string]time.Time),
	}
}

// Allow reports whether an emission for the key may proceed at the given
// time, recording it if so.
func (t *Throttle) Allow(key string, now time.Time) bool {
	t.m.Lock()
	defer t.m.Unlock()

	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}
