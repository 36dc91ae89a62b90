// Package coords implements the fixed-point coordinate system used by the
// point cloud index. Global (sensor/world frame) positions are f64 triples;
// the index operates on i32 grid coordinates obtained through a per-cloud
// scale and offset. The mapping is local_i = round((global_i - offset_i) / scale_i)
// with round-half-away-from-zero, saturating quantisation rejected as out of range.
package coords

import (
	"errors"
	"fmt"
	"math"
)

// ErrOutOfRange is returned when a global coordinate does not fit the i32
// grid after quantisation. The offending point is dropped by callers; it
// never aborts a whole batch.
var ErrOutOfRange = errors.New("coordinate out of quantisable range")

// PointLocal is a quantised position on the i32 grid.
type PointLocal struct {
	X, Y, Z int32
}

// PointGlobal is a position in the global (world) frame.
type PointGlobal struct {
	X, Y, Z float64
}

// System holds the scale and offset of one point cloud. Both are chosen at
// init time and immutable afterwards; every LAS payload entering the server
// must carry the same values in its header.
type System struct {
	Scale  [3]float64 `json:"scale"`
	Offset [3]float64 `json:"offset"`
}

// NewSystem validates and returns a coordinate system. Scales must be
// strictly positive and finite; offsets finite.
func NewSystem(scale, offset [3]float64) (System, error) {
	for i := 0; i < 3; i++ {
		if !(scale[i] > 0) || math.IsInf(scale[i], 0) {
			return System{}, fmt.Errorf("scale[%d] = %v: must be positive and finite", i, scale[i])
		}
		if math.IsNaN(offset[i]) || math.IsInf(offset[i], 0) {
			return System{}, fmt.Errorf("offset[%d] = %v: must be finite", i, offset[i])
		}
	}
	return System{Scale: scale, Offset: offset}, nil
}

// quantiseAxis maps one global component onto the i32 grid.
func quantiseAxis(global, scale, offset float64) (int32, error) {
	v := (global - offset) / scale
	// Round half away from zero. math.Round implements exactly that mode.
	r := math.Round(v)
	if r > math.MaxInt32 || r < math.MinInt32 || math.IsNaN(r) {
		return 0, ErrOutOfRange
	}
	return int32(r), nil
}

// Quantise maps a global position onto the i32 grid. It returns
// ErrOutOfRange when any component would saturate.
func (s System) Quantise(g PointGlobal) (PointLocal, error) {
	x, err := quantiseAxis(g.X, s.Scale[0], s.Offset[0])
	if err != nil {
		return PointLocal{}, err
	}
	y, err := quantiseAxis(g.Y, s.Scale[1], s.Offset[1])
	if err != nil {
		return PointLocal{}, err
	}
	z, err := quantiseAxis(g.Z, s.Scale[2], s.Offset[2])
	if err != nil {
		return PointLocal{}, err
	}
	return PointLocal{X: x, Y: y, Z: z}, nil
}

// Dequantise maps a local grid position back to the global frame. The
// mapping is exact on the grid: Quantise(Dequantise(l)) == l.
func (s System) Dequantise(l PointLocal) PointGlobal {
	return PointGlobal{
		X: float64(l.X)*s.Scale[0] + s.Offset[0],
		Y: float64(l.Y)*s.Scale[1] + s.Offset[1],
		Z: float64(l.Z)*s.Scale[2] + s.Offset[2],
	}
}

// Matches reports whether another scale/offset pair describes the same grid.
// Used to validate the header of incoming LAS payloads.
func (s System) Matches(scale, offset [3]float64) bool {
	return s.Scale == scale && s.Offset == offset
}

// Region is an axis-aligned half-open cube [Min, Min+Size) on the local grid.
// Node regions are always cubes whose size is a power of two, but Region
// itself does not assume that.
type Region struct {
	Min  PointLocal
	Size int64
}

// Contains reports whether p lies inside the region.
func (r Region) Contains(p PointLocal) bool {
	return int64(p.X) >= int64(r.Min.X) && int64(p.X) < int64(r.Min.X)+r.Size &&
		int64(p.Y) >= int64(r.Min.Y) && int64(p.Y) < int64(r.Min.Y)+r.Size &&
		int64(p.Z) >= int64(r.Min.Z) && int64(p.Z) < int64(r.Min.Z)+r.Size
}

// ContainsRegion reports whether the whole of other lies inside r.
func (r Region) ContainsRegion(other Region) bool {
	return int64(other.Min.X) >= int64(r.Min.X) && int64(other.Min.X)+other.Size <= int64(r.Min.X)+r.Size &&
		int64(other.Min.Y) >= int64(r.Min.Y) && int64(other.Min.Y)+other.Size <= int64(r.Min.Y)+r.Size &&
		int64(other.Min.Z) >= int64(r.Min.Z) && int64(other.Min.Z)+other.Size <= int64(r.Min.Z)+r.Size
}

// AABB is an axis-aligned box with f64 bounds in the global frame, closed on
// both ends. Queries arrive with global bounds; Intersection tests against
// node regions go through ToLocalBounds.
type AABB struct {
	Min, Max [3]float64
}

// LocalBounds is an AABB quantised onto the local grid, closed on both ends.
type LocalBounds struct {
	Min, Max [3]int64
}

// ToLocalBounds converts a global AABB to grid bounds. The result is clamped
// to the i64 range rather than failing: a query box larger than the grid
// simply covers the whole grid.
func (s System) ToLocalBounds(b AABB) LocalBounds {
	var out LocalBounds
	for i := 0; i < 3; i++ {
		lo := math.Floor((b.Min[i] - s.Offset[i]) / s.Scale[i])
		hi := math.Ceil((b.Max[i] - s.Offset[i]) / s.Scale[i])
		out.Min[i] = clampI64(lo)
		out.Max[i] = clampI64(hi)
	}
	return out
}

func clampI64(v float64) int64 {
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	if v <= math.MinInt64 {
		return math.MinInt64
	}
	return int64(v)
}

// IntersectRegion classifies a region against the bounds: Disjoint when they
// share no point, Inside when the region is fully within the bounds, and
// Overlap otherwise.
func (b LocalBounds) IntersectRegion(r Region) Intersection {
	rMin := [3]int64{int64(r.Min.X), int64(r.Min.Y), int64(r.Min.Z)}
	for i := 0; i < 3; i++ {
		// Half-open region: last contained coordinate is rMin+Size-1.
		if rMin[i] > b.Max[i] || rMin[i]+r.Size-1 < b.Min[i] {
			return Disjoint
		}
	}
	for i := 0; i < 3; i++ {
		if rMin[i] < b.Min[i] || rMin[i]+r.Size-1 > b.Max[i] {
			return Overlap
		}
	}
	return Inside
}

// Intersection is the result of a region/bounds test.
type Intersection int

const (
	Disjoint Intersection = iota
	Overlap
	Inside
)

func (i Intersection) String() string {
	switch i {
	case Disjoint:
		return "disjoint"
	case Overlap:
		return "overlap"
	case Inside:
		return "inside"
	}
	return fmt.Sprintf("Intersection(%d)", int(i))
}
