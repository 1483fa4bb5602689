package control

import (
	"math"
	"sort"
)

// GridPoint is one positioned sensor reading indexed by the grid.
type GridPoint struct {
	ID    uint
	X     float64
	Y     float64
	Value float64
}

// SpatialHashGrid buckets points by floor(coordinate / cellSize) for
// O(1)-amortized neighborhood lookups. A lookup examines only the bucket
// cells overlapping the search radius.
type SpatialHashGrid struct {
	cellSize float64
	cells    map[[2]int][]GridPoint
	ordered  []GridPoint
}

// NewSpatialHashGrid creates a grid with the given cell size.
func NewSpatialHashGrid(cellSize float64) *SpatialHashGrid {
	if cellSize <= 0 {
		cellSize = 1
	}
	return &SpatialHashGrid{
		cellSize: cellSize,
		cells:    make(map[[2]int][]GridPoint),
	}
}

func (g *SpatialHashGrid) cellOf(x, y float64) [2]int {
	return [2]int{
		int(math.Floor(x / g.cellSize)),
		int(math.Floor(y / g.cellSize)),
	}
}

// Insert adds a point to the grid.
func (g *SpatialHashGrid) Insert(p GridPoint) {
	cell := g.cellOf(p.X, p.Y)
	g.cells[cell] = append(g.cells[cell], p)
	g.ordered = append(g.ordered, p)
}

// Len returns the number of indexed points.
func (g *SpatialHashGrid) Len() int {
	return len(g.ordered)
}

// First returns the first inserted point, used as the interpolation fallback
// when no point lies within the search radius.
func (g *SpatialHashGrid) First() (GridPoint, bool) {
	if len(g.ordered) == 0 {
		return GridPoint{}, false
	}
	return g.ordered[0], true
}

// FindNearby returns the points within radius of (x, y), sorted by distance
// ascending.
func (g *SpatialHashGrid) FindNearby(x, y, radius float64) []GridPoint {
	if radius < 0 {
		return nil
	}

	type candidate struct {
		point GridPoint
		dist  float64
	}

	minCell := g.cellOf(x-radius, y-radius)
	maxCell := g.cellOf(x+radius, y+radius)

	candidates := make([]candidate, 0)
	for cx := minCell[0]; cx <= maxCell[0]; cx++ {
		for cy := minCell[1]; cy <= maxCell[1]; cy++ {
			for _, p := range g.cells[[2]int{cx, cy}] {
				d := math.Hypot(p.X-x, p.Y-y)
				if d <= radius {
					candidates = append(candidates, candidate{point: p, dist: d})
				}
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].dist < candidates[j].dist
	})

	points := make([]GridPoint, len(candidates))
	for i, c := range candidates {
		points[i] = c.point
	}
	return points
}
