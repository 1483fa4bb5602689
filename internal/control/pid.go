package control

import (
	"math"
	"sync"
	"time"
)

// Default gains for a freshly created controller.
const (
	defaultKp = 2.0
	defaultKi = 0.1
	defaultKd = 0.5
)

// Safe tuning bounds: every adaptation pass clamps the gains back into
// these ranges.
const (
	minKp = 0.5
	maxKp = 10.0
	minKi = 0.01
	maxKi = 1.0
	minKd = 0.05
	maxKd = 5.0
)

// Adaptation thresholds over the bounded error history.
const (
	historySize = 20

	// Mean absolute error above which the integral gain is raised.
	highErrorThreshold = 2.0
	// Mean absolute error below which the controller is suspected sluggish
	// and the proportional gain is raised.
	lowErrorThreshold = 0.2
	// Sign-flip count above which the loop is considered oscillating.
	oscillationThreshold = 8

	adaptInterval = 10 * time.Minute
)

// GainSnapshot is the controller's state after an adaptation pass.
type GainSnapshot struct {
	Kp           float64
	Ki           float64
	Kd           float64
	AvgAbsError  float64
	Oscillations int
	SampleCount  int
}

// AdaptivePID is a proportional-integral-derivative controller with
// anti-windup clamping and online gain retuning from its own bounded
// performance history. One instance exists per actuator.
type AdaptivePID struct {
	m sync.Mutex

	kp, ki, kd float64
	maxOutput  float64

	integral float64
	prevErr  float64
	hasPrev  bool

	history   []float64
	lastTuned time.Time
}

// NewAdaptivePID creates a controller with default gains for an actuator
// with the given output ceiling.
func NewAdaptivePID(maxOutput float64, now time.Time) *AdaptivePID {
	return &AdaptivePID{
		kp:        defaultKp,
		ki:        defaultKi,
		kd:        defaultKd,
		maxOutput: maxOutput,
		history:   make([]float64, 0, historySize),
		lastTuned: now,
	}
}

// Update advances the controller by one step of dt seconds with the given
// error (target − actual) and returns the raw control output. The integral
// accumulator is clamped so the integral term never exceeds ±maxOutput.
func (c *AdaptivePID) Update(err, dt float64) float64 {
	if dt <= 0 {
		dt = 1
	}

	c.m.Lock()
	defer c.m.Unlock()

	c.integral += err * dt
	limit := c.maxOutput / c.ki
	if c.integral > limit {
		c.integral = limit
	}
	if c.integral < -limit {
		c.integral = -limit
	}

	var derivative float64
	if c.hasPrev {
		derivative = (err - c.prevErr) / dt
	}
	c.prevErr = err
	c.hasPrev = true

	c.history = append(c.history, err)
	if len(c.history) > historySize {
		c.history = c.history[1:]
	}

	return c.kp*err + c.ki*c.integral + c.kd*derivative
}

// Integral returns the current integral accumulator.
func (c *AdaptivePID) Integral() float64 {
	c.m.Lock()
	defer c.m.Unlock()
	return c.integral
}

// Gains returns the current gain triple.
func (c *AdaptivePID) Gains() (kp, ki, kd float64) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.kp, c.ki, c.kd
}

// Reset clears the controller memory while keeping the tuned gains.
func (c *AdaptivePID) Reset() {
	c.m.Lock()
	defer c.m.Unlock()
	c.integral = 0
	c.prevErr = 0
	c.hasPrev = false
	c.history = c.history[:0]
}

// Adapt inspects the bounded history and retunes the gains. It runs at most
// once per adaptation interval, on wall clock, independent of the control
// tick. The returned snapshot reports the post-adjustment state.
func (c *AdaptivePID) Adapt(now time.Time) (GainSnapshot, bool) {
	c.m.Lock()
	defer c.m.Unlock()

	if now.Sub(c.lastTuned) < adaptInterval {
		return GainSnapshot{}, false
	}
	if len(c.history) < historySize/2 {
		// Not enough evidence to adjust anything yet.
		c.lastTuned = now
		return GainSnapshot{}, false
	}

	var absSum float64
	oscillations := 0
	for i, e := range c.history {
		absSum += math.Abs(e)
		if i > 0 && e*c.history[i-1] < 0 {
			oscillations++
		}
	}
	avgAbs := absSum / float64(len(c.history))

	switch {
	case oscillations > oscillationThreshold:
		// Oscillating: soften the proportional response, damp with more
		// derivative action.
		c.kp *= 0.85
		c.kd *= 1.2
	case avgAbs > highErrorThreshold:
		// Persistent offset: lean harder on the integral term.
		c.ki *= 1.2
	case avgAbs < lowErrorThreshold:
		// Suspiciously quiet loop: raise proportional gain against
		// sluggishness.
		c.kp *= 1.15
	}

	c.kp = clamp(c.kp, minKp, maxKp)
	c.ki = clamp(c.ki, minKi, maxKi)
	c.kd = clamp(c.kd, minKd, maxKd)

	snapshot := GainSnapshot{
		Kp:           c.kp,
		Ki:           c.ki,
		Kd:           c.kd,
		AvgAbsError:  avgAbs,
		Oscillations: oscillations,
		SampleCount:  len(c.history),
	}

	c.lastTuned = now
	return snapshot, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
