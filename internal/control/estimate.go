package control

import (
	"math"
)

// coincidentEpsilon is the distance below which a sensor is considered to
// sit exactly at the query point.
const coincidentEpsilon = 1e-9

// EstimateIDW computes an inverse-distance-weighted estimate of the field at
// (x, y) from the grid's points within the search radius, with weight 1/d².
// A sensor coincident with the query point returns its reading exactly. When
// no sensor lies within radius the grid's first point serves as fallback.
func EstimateIDW(grid *SpatialHashGrid, x, y, radius float64) (float64, bool) {
	points := grid.FindNearby(x, y, radius)
	if len(points) == 0 {
		fallback, ok := grid.First()
		if !ok {
			return 0, false
		}
		return fallback.Value, true
	}

	var weightSum, valueSum float64
	for _, p := range points {
		d := math.Hypot(p.X-x, p.Y-y)
		if d < coincidentEpsilon {
			return p.Value, true
		}
		w := 1.0 / (d * d)
		weightSum += w
		valueSum += w * p.Value
	}

	return valueSum / weightSum, true
}
