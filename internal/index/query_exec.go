package index

import (
	"fmt"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
	"github.com/banshee-data/lidarserv/internal/query"
)

// QueryResultNode is one entry of an evaluated query: a node the query does
// not exclude, with the version the decision was taken against.
type QueryResultNode struct {
	ID       NodeID
	Version  uint64
	Decision query.Decision
}

// summarySource adapts a descriptor summary to the evaluator's AttrSource.
type summarySource struct {
	read func(fn func(*Summaries))
}

func (s summarySource) Range(name string) (min, max []float64, ok bool) {
	s.read(func(sum *Summaries) { min, max, ok = sum.Range(name) })
	return
}

func (s summarySource) HistogramExcludes(name string, lo, hi float64) (out bool) {
	s.read(func(sum *Summaries) { out = sum.HistogramExcludes(name, lo, hi) })
	return
}

func (s summarySource) SFCExcludes(name string, lo, hi []float64) (out bool) {
	s.read(func(sum *Summaries) { out = sum.SFCExcludes(name, lo, hi) })
	return
}

// nodeView builds the evaluator's snapshot of one node. The caller picks
// whether attribute pruning sees the node's own or its subtree summaries.
func (ix *Index) nodeView(d *Descriptor, subtree bool) query.NodeView {
	region := ix.cfg.Hierarchy.RegionOf(d.ID())
	lo := ix.cfg.Coords.Dequantise(region.Min)
	hi := ix.cfg.Coords.Dequantise(coords.PointLocal{
		X: int32(int64(region.Min.X) + region.Size - 1),
		Y: int32(int64(region.Min.Y) + region.Size - 1),
		Z: int32(int64(region.Min.Z) + region.Size - 1),
	})
	spacing := float64(ix.cfg.Hierarchy.GridCellSize(d.ID().Lod()))
	maxScale := ix.cfg.Coords.Scale[0]
	for _, s := range ix.cfg.Coords.Scale[1:] {
		if s > maxScale {
			maxScale = s
		}
	}
	read := d.OwnSummary
	if subtree {
		read = d.SubtreeSummary
	}
	return query.NodeView{
		Lod:          d.ID().Lod(),
		Min:          [3]float64{lo.X, lo.Y, lo.Z},
		Max:          [3]float64{hi.X, hi.Y, hi.Z},
		PointSpacing: spacing * maxScale,
		Attrs:        summarySource{read: read},
	}
}

// EvaluateQuery walks the skeleton with pruning and returns the matching
// nodes in canonical depth-first order. The sequence is deterministic for
// a fixed query and a fixed snapshot of the tree.
func (ix *Index) EvaluateQuery(c *query.Compiled) []QueryResultNode {
	var out []QueryResultNode
	ix.evalWalk(c, RootID(), &out)
	return out
}

func (ix *Index) evalWalk(c *query.Compiled, id NodeID, out *[]QueryResultNode) {
	desc := ix.octree.Get(id)
	if desc == nil {
		return
	}
	// Subtree summaries drive descent pruning; the node's own summaries
	// decide emission.
	subRes := c.EvalNode(ix.nodeView(desc, true))
	ownRes := c.EvalNode(ix.nodeView(desc, false))
	if desc.HasData() && ownRes.Decision != query.Excluded && subRes.Decision != query.Excluded {
		*out = append(*out, QueryResultNode{ID: id, Version: desc.Version(), Decision: ownRes.Decision})
	}
	if !subRes.Descend || subRes.Decision == query.Excluded {
		return
	}
	if id.Lod() >= ix.cfg.Hierarchy.MaxLod {
		return
	}
	for oct := uint8(0); oct < 8; oct++ {
		child, err := id.Child(oct)
		if err != nil {
			return
		}
		if ix.octree.Get(child) != nil {
			ix.evalWalk(c, child, out)
		}
	}
}

// ReadNodePoints loads a node through the cache and returns a copy of its
// accepted and bogus points merged into one buffer, together with the
// version the copy reflects. The subscription manager serialises this for
// viewers; partial matches are filtered with the compiled query's point
// filter first.
func (ix *Index) ReadNodePoints(id NodeID) (*pointbuf.Buffer, uint64, error) {
	desc := ix.octree.Get(id)
	if desc == nil {
		return nil, 0, fmt.Errorf("reading points: %w: %s", ErrNodeNotFound, id)
	}
	handle, err := ix.cache.GetOrCreate(id)
	if err != nil {
		return nil, 0, err
	}
	defer handle.Release()

	handle.Lock()
	node := handle.Node()
	merged := node.points.Clone()
	err = merged.Extend(node.bogus)
	version := node.version
	handle.Unlock()
	if err != nil {
		return nil, 0, err
	}
	return merged, version, nil
}
