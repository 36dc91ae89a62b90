package index

import (
	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// SamplingGrid tracks which sampling cells of one node are occupied by an
// accepted point. A node's region is subdivided into G*G*G cells; at most
// one accepted point lives in each cell, and the first point offered for a
// cell wins. The grid is rebuilt from the accepted points when a node is
// loaded from disk, so it is never persisted.
type SamplingGrid struct {
	origin    coords.PointLocal
	cellShift uint
	occupied  map[uint32]struct{}
}

// NewSamplingGrid returns an empty grid for a node with the given region
// origin and sampling cell shift.
func NewSamplingGrid(origin coords.PointLocal, cellShift uint) *SamplingGrid {
	return &SamplingGrid{
		origin:    origin,
		cellShift: cellShift,
		occupied:  make(map[uint32]struct{}),
	}
}

// RebuildSamplingGrid returns a grid pre-occupied by every point of buf.
// Accepted points on disk never collide, so occupancy equals point count.
func RebuildSamplingGrid(origin coords.PointLocal, cellShift uint, buf *pointbuf.Buffer) *SamplingGrid {
	g := NewSamplingGrid(origin, cellShift)
	for i := 0; i < buf.Len(); i++ {
		g.occupied[g.CellOf(buf.PositionAt(i))] = struct{}{}
	}
	return g
}

// CellOf returns the packed cell index of a point. Cell coordinates along
// each axis are (local - origin) >> cellShift; with GridShift capped at 10
// the three coordinates pack into 30 bits.
func (g *SamplingGrid) CellOf(p coords.PointLocal) uint32 {
	cx := uint32(int64(p.X)-int64(g.origin.X)) >> g.cellShift
	cy := uint32(int64(p.Y)-int64(g.origin.Y)) >> g.cellShift
	cz := uint32(int64(p.Z)-int64(g.origin.Z)) >> g.cellShift
	return cx | cy<<10 | cz<<20
}

// Occupied reports whether the cell already holds an accepted point.
func (g *SamplingGrid) Occupied(cell uint32) bool {
	_, ok := g.occupied[cell]
	return ok
}

// Occupy claims a cell. It returns true when the cell was free (the
// candidate point is accepted) and false when an earlier point already owns
// it (the candidate is rejected).
func (g *SamplingGrid) Occupy(cell uint32) bool {
	if _, ok := g.occupied[cell]; ok {
		return false
	}
	g.occupied[cell] = struct{}{}
	return true
}

// Len returns the number of occupied cells.
func (g *SamplingGrid) Len() int { return len(g.occupied) }
