package control

import (
	"math"

	"climacore.dev/climacore/internal/ingest"
)

// FieldStats summarizes the fresh readings of one area for one tick.
type FieldStats struct {
	Mean     float64
	Variance float64
	StdDev   float64

	// Hotspots and Coldspots hold the channel ids of sensors reading beyond
	// the tolerance band around the target.
	Hotspots  []uint
	Coldspots []uint

	// MeanAbsError is the mean absolute deviation from the target.
	MeanAbsError float64

	Gradients []Gradient
}

// Gradient is the pairwise value slope between two sensors, for diagnostics.
type Gradient struct {
	FromID   uint
	ToID     uint
	Delta    float64
	Distance float64
	Slope    float64
}

// Analyze computes the field statistics for a set of fresh samples against a
// target and tolerance band.
func Analyze(samples []ingest.Sample, target, tolerance float64) FieldStats {
	stats := FieldStats{}
	if len(samples) == 0 {
		return stats
	}

	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	stats.Mean = sum / float64(len(samples))

	var sqSum, absErrSum float64
	for _, s := range samples {
		d := s.Value - stats.Mean
		sqSum += d * d
		absErrSum += math.Abs(s.Value - target)

		switch {
		case s.Value > target+tolerance:
			stats.Hotspots = append(stats.Hotspots, s.ChannelID)
		case s.Value < target-tolerance:
			stats.Coldspots = append(stats.Coldspots, s.ChannelID)
		}
	}
	stats.Variance = sqSum / float64(len(samples))
	stats.StdDev = math.Sqrt(stats.Variance)
	stats.MeanAbsError = absErrSum / float64(len(samples))

	for i := range samples {
		for j := i + 1; j < len(samples); j++ {
			a, b := samples[i], samples[j]
			dist := math.Hypot(b.X-a.X, b.Y-a.Y)
			if dist == 0 {
				continue
			}
			delta := b.Value - a.Value
			stats.Gradients = append(stats.Gradients, Gradient{
				FromID:   a.ChannelID,
				ToID:     b.ChannelID,
				Delta:    delta,
				Distance: dist,
				Slope:    delta / dist,
			})
		}
	}

	return stats
}
