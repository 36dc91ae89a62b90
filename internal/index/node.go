package index

import (
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// Node is the in-memory state of one octree cell: the points accepted by
// the sampling grid at this lod, the bogus points retained past rejection,
// and the grid occupancy derived from the accepted points. Nodes live in
// the page cache; all mutation happens under the cache's per-entry lock.
type Node struct {
	id     NodeID
	points *pointbuf.Buffer
	bogus  *pointbuf.Buffer
	grid   *SamplingGrid

	// version counts the node's mutations; the pipeline raises it to at
	// least the version recorded on the node's descriptor, so it does not
	// go backwards when the node is evicted and loaded again. The subscription
	// manager uses it to decide which nodes a viewer must be re-sent.
	version uint64
	dirty   bool
}

// NewNode returns an empty node with a fresh sampling grid.
func NewNode(id NodeID, h Hierarchy, schema *pointbuf.Schema) *Node {
	region := h.RegionOf(id)
	return &Node{
		id:     id,
		points: pointbuf.New(schema),
		bogus:  pointbuf.New(schema),
		grid:   NewSamplingGrid(region.Min, h.GridCellShift(id.Lod())),
	}
}

// ID returns the node's id.
func (n *Node) ID() NodeID { return n.id }

// Points returns the accepted points. Callers must hold the node's cache
// entry lock and must not mutate the buffer.
func (n *Node) Points() *pointbuf.Buffer { return n.points }

// Bogus returns the retained rejected points under the same access rules
// as Points.
func (n *Node) Bogus() *pointbuf.Buffer { return n.bogus }

// Grid returns the sampling grid occupancy.
func (n *Node) Grid() *SamplingGrid { return n.grid }

// Version returns the mutation counter.
func (n *Node) Version() uint64 { return n.version }

// Dirty reports whether the node has unflushed mutations.
func (n *Node) Dirty() bool { return n.dirty }
