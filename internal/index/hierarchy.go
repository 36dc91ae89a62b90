package index

import (
	"fmt"

	"github.com/banshee-data/lidarserv/internal/coords"
)

// Hierarchy holds the shift parameters that shape the octree: how deep it
// goes, how large the finest node is on the local grid, and how fine the
// per-node sampling grid subdivides each node. All sizes are powers of two
// so that routing and grid indexing reduce to shifts.
type Hierarchy struct {
	// MaxLod is the deepest level of detail. The root is lod 0.
	MaxLod uint8
	// NodeShift is log2 of the side length of a node at MaxLod, in local
	// grid units. A node at lod L has side 1<<(MaxLod-L+NodeShift).
	NodeShift uint8
	// GridShift is log2 of G, the per-axis sampling grid resolution. Every
	// node is subdivided into G*G*G sampling cells.
	GridShift uint8
	// RootOrigin is the minimum corner of the root region. Points outside
	// the root region are dropped as out of range.
	RootOrigin coords.PointLocal
}

// NewHierarchy validates the shift parameters.
func NewHierarchy(maxLod, nodeShift, gridShift uint8, rootOrigin coords.PointLocal) (Hierarchy, error) {
	if maxLod > MaxPathLen {
		return Hierarchy{}, fmt.Errorf("max lod %d exceeds maximum path length %d", maxLod, MaxPathLen)
	}
	if int(maxLod)+int(nodeShift) > 31 {
		return Hierarchy{}, fmt.Errorf("root region side 2^%d does not fit the i32 grid", int(maxLod)+int(nodeShift))
	}
	if gridShift > nodeShift {
		return Hierarchy{}, fmt.Errorf("grid shift %d exceeds node shift %d: sampling cells at max lod would be sub-unit", gridShift, nodeShift)
	}
	if gridShift == 0 || gridShift > 10 {
		return Hierarchy{}, fmt.Errorf("grid shift %d out of range [1,10]", gridShift)
	}
	return Hierarchy{MaxLod: maxLod, NodeShift: nodeShift, GridShift: gridShift, RootOrigin: rootOrigin}, nil
}

// SideShift returns log2 of the side length of a node at the given lod.
func (h Hierarchy) SideShift(lod uint8) uint {
	return uint(h.MaxLod-lod) + uint(h.NodeShift)
}

// GridCellShift returns log2 of the sampling cell width of a node at the
// given lod. Each deeper lod halves the cell width.
func (h Hierarchy) GridCellShift(lod uint8) uint {
	return h.SideShift(lod) - uint(h.GridShift)
}

// GridCellSize returns the sampling cell width at the given lod in local
// grid units. This is the guaranteed minimum spacing between accepted
// points of one node.
func (h Hierarchy) GridCellSize(lod uint8) int64 {
	return 1 << h.GridCellShift(lod)
}

// RootRegion returns the region of the root node.
func (h Hierarchy) RootRegion() coords.Region {
	return coords.Region{Min: h.RootOrigin, Size: 1 << h.SideShift(0)}
}

// RegionOf derives a node's region from its id by descending the octant
// path from the root.
func (h Hierarchy) RegionOf(id NodeID) coords.Region {
	min := h.RootOrigin
	for level := uint8(0); level < id.Lod(); level++ {
		oct := id.OctantAt(level)
		half := int32(1) << (h.SideShift(level) - 1)
		if oct&1 != 0 {
			min.X += half
		}
		if oct&2 != 0 {
			min.Y += half
		}
		if oct&4 != 0 {
			min.Z += half
		}
	}
	return coords.Region{Min: min, Size: 1 << h.SideShift(id.Lod())}
}

// OctantOf returns which child octant of the node with the given id and
// region the point belongs to. Regions are half-open, so a point exactly on
// an internal boundary lands in the child whose region contains it, which
// is the least-coordinate child among those it touches.
func (h Hierarchy) OctantOf(id NodeID, region coords.Region, p coords.PointLocal) uint8 {
	shift := h.SideShift(id.Lod()) - 1
	var oct uint8
	if (int64(p.X)-int64(region.Min.X))>>shift != 0 {
		oct |= 1
	}
	if (int64(p.Y)-int64(region.Min.Y))>>shift != 0 {
		oct |= 2
	}
	if (int64(p.Z)-int64(region.Min.Z))>>shift != 0 {
		oct |= 4
	}
	return oct
}
