package index

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// Descriptor is the skeleton's per-node record. It exists as soon as a
// parent first routes points toward an octant, before any on-disk file.
// The inbox and the summaries have their own locks because they are touched
// from paths that must not take the cache's per-entry lock.
type Descriptor struct {
	id NodeID

	// inbox holds point batches waiting to be processed for this node.
	inboxMu     sync.Mutex
	inbox       []*pointbuf.Buffer
	inboxPoints int
	inboxOldest time.Time
	inboxNewest time.Time

	// sumMu guards the two summaries. own covers points ∪ bogus of this
	// node; subtree additionally covers every descendant and backs
	// sound subtree pruning in the query evaluator.
	sumMu   sync.RWMutex
	own     *Summaries
	subtree *Summaries

	// version mirrors the node's mutation counter for readers that do not
	// want to load the node, such as the subscription differ. hasData
	// distinguishes nodes with committed content from descriptors that
	// only reserve an id for routing.
	versionMu sync.Mutex
	version   uint64
	hasData   bool
}

// ID returns the descriptor's node id.
func (d *Descriptor) ID() NodeID { return d.id }

// Version returns the last committed mutation count of the node.
func (d *Descriptor) Version() uint64 {
	d.versionMu.Lock()
	defer d.versionMu.Unlock()
	return d.version
}

func (d *Descriptor) setVersion(v uint64) {
	d.versionMu.Lock()
	d.version = v
	d.hasData = true
	d.versionMu.Unlock()
}

// HasData reports whether the node has ever committed content, in memory
// or on disk.
func (d *Descriptor) HasData() bool {
	d.versionMu.Lock()
	defer d.versionMu.Unlock()
	return d.hasData
}

func (d *Descriptor) markHasData() {
	d.versionMu.Lock()
	d.hasData = true
	d.versionMu.Unlock()
}

// EnqueueInbox appends a batch to the inbox and returns the new pending
// point count for the node.
func (d *Descriptor) EnqueueInbox(buf *pointbuf.Buffer, arrival time.Time) int {
	d.inboxMu.Lock()
	defer d.inboxMu.Unlock()
	d.inbox = append(d.inbox, buf)
	d.inboxPoints += buf.Len()
	if d.inboxOldest.IsZero() || arrival.Before(d.inboxOldest) {
		d.inboxOldest = arrival
	}
	if arrival.After(d.inboxNewest) {
		d.inboxNewest = arrival
	}
	return d.inboxPoints
}

// DrainInbox removes and returns all pending batches along with the
// arrival time of the oldest batch, which routed points inherit when they
// move into a child inbox.
func (d *Descriptor) DrainInbox() ([]*pointbuf.Buffer, time.Time) {
	d.inboxMu.Lock()
	defer d.inboxMu.Unlock()
	out := d.inbox
	oldest := d.inboxOldest
	d.inbox = nil
	d.inboxPoints = 0
	d.inboxOldest = time.Time{}
	d.inboxNewest = time.Time{}
	return out, oldest
}

// InboxStats returns the pending point count and the arrival times of the
// oldest and newest pending batches, for priority scoring.
func (d *Descriptor) InboxStats() (points int, oldest, newest time.Time) {
	d.inboxMu.Lock()
	defer d.inboxMu.Unlock()
	return d.inboxPoints, d.inboxOldest, d.inboxNewest
}

// MergeOwnSummary folds a batch delta into the node's own summary.
func (d *Descriptor) MergeOwnSummary(delta *Summaries) {
	d.sumMu.Lock()
	d.own.Merge(delta)
	d.sumMu.Unlock()
}

// MergeSubtreeSummary folds a batch delta into the subtree summary. The
// pipeline calls this on every ancestor after a task commits, which keeps
// subtree pruning sound.
func (d *Descriptor) MergeSubtreeSummary(delta *Summaries) {
	d.sumMu.Lock()
	d.subtree.Merge(delta)
	d.sumMu.Unlock()
}

// RestoreSummaries installs a persisted own summary and seeds the subtree
// summary with it; ancestors then merge it upward during recovery.
func (d *Descriptor) RestoreSummaries(snaps []SummarySnapshot) error {
	d.sumMu.Lock()
	defer d.sumMu.Unlock()
	if err := d.own.Restore(snaps); err != nil {
		return err
	}
	d.subtree.Merge(d.own)
	return nil
}

// OwnSummary runs fn with read access to the node's own summary.
func (d *Descriptor) OwnSummary(fn func(*Summaries)) {
	d.sumMu.RLock()
	defer d.sumMu.RUnlock()
	fn(d.own)
}

// SubtreeSummary runs fn with read access to the subtree summary.
func (d *Descriptor) SubtreeSummary(fn func(*Summaries)) {
	d.sumMu.RLock()
	defer d.sumMu.RUnlock()
	fn(d.subtree)
}

// OwnSummarySnapshot returns the serialisable own summary for the sidecar.
func (d *Descriptor) OwnSummarySnapshot() []SummarySnapshot {
	d.sumMu.RLock()
	defer d.sumMu.RUnlock()
	return d.own.Snapshot()
}

// Octree is the persistent skeleton: a map from node id to descriptor,
// protected by one read-write lock. Many readers walk it concurrently; the
// single-writer path is descriptor creation when a parent first spills into
// an octant.
type Octree struct {
	mu        sync.RWMutex
	nodes     map[NodeID]*Descriptor
	hierarchy Hierarchy
	schema    *pointbuf.Schema
	attrCfg   []AttrIndexConfig
}

// NewOctree returns a skeleton holding only the root descriptor.
func NewOctree(h Hierarchy, schema *pointbuf.Schema, attrCfg []AttrIndexConfig) (*Octree, error) {
	o := &Octree{
		nodes:     make(map[NodeID]*Descriptor),
		hierarchy: h,
		schema:    schema,
		attrCfg:   attrCfg,
	}
	if _, err := o.getOrCreate(RootID()); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Octree) newDescriptor(id NodeID) (*Descriptor, error) {
	own, err := NewSummaries(o.schema, o.attrCfg)
	if err != nil {
		return nil, err
	}
	subtree, err := NewSummaries(o.schema, o.attrCfg)
	if err != nil {
		return nil, err
	}
	return &Descriptor{id: id, own: own, subtree: subtree}, nil
}

// Get returns the descriptor for id, or nil when the node does not exist.
func (o *Octree) Get(id NodeID) *Descriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.nodes[id]
}

// Root returns the root descriptor.
func (o *Octree) Root() *Descriptor { return o.Get(RootID()) }

// getOrCreate inserts a descriptor for id if absent. Ancestors are created
// too so the tree stays connected.
func (o *Octree) getOrCreate(id NodeID) (*Descriptor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.getOrCreateLocked(id)
}

func (o *Octree) getOrCreateLocked(id NodeID) (*Descriptor, error) {
	if d, ok := o.nodes[id]; ok {
		return d, nil
	}
	d, err := o.newDescriptor(id)
	if err != nil {
		return nil, err
	}
	o.nodes[id] = d
	if !id.IsRoot() {
		parent, _ := id.Parent()
		if _, err := o.getOrCreateLocked(parent); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// GetOrCreateChild returns the descriptor of the given octant child,
// creating it when the parent spills into that octant for the first time.
// Creation reserves the id only; no on-disk node exists until a task writes
// one.
func (o *Octree) GetOrCreateChild(parent NodeID, octant uint8) (*Descriptor, error) {
	child, err := parent.Child(octant)
	if err != nil {
		return nil, err
	}
	if child.Lod() > o.hierarchy.MaxLod {
		return nil, fmt.Errorf("child %s exceeds max lod %d", child, o.hierarchy.MaxLod)
	}
	if d := o.Get(child); d != nil {
		return d, nil
	}
	return o.getOrCreate(child)
}

// Restore inserts a descriptor for a node discovered during startup
// recovery.
func (o *Octree) Restore(id NodeID) (*Descriptor, error) {
	return o.getOrCreate(id)
}

// ChildrenMask returns a bitmask of the octants under id that exist.
func (o *Octree) ChildrenMask(id NodeID) uint8 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var mask uint8
	for oct := uint8(0); oct < 8; oct++ {
		child, err := id.Child(oct)
		if err != nil {
			break
		}
		if _, ok := o.nodes[child]; ok {
			mask |= 1 << oct
		}
	}
	return mask
}

// Count returns the number of descriptors.
func (o *Octree) Count() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.nodes)
}

// Hierarchy returns the shift parameters the skeleton was built with.
func (o *Octree) Hierarchy() Hierarchy { return o.hierarchy }

// WalkSubtree visits id and every descendant depth-first in octant order,
// which makes traversal deterministic for a fixed tree. fn returning false
// prunes the subtree below that node.
func (o *Octree) WalkSubtree(id NodeID, fn func(*Descriptor) bool) {
	d := o.Get(id)
	if d == nil {
		return
	}
	if !fn(d) {
		return
	}
	if id.Lod() >= o.hierarchy.MaxLod {
		return
	}
	for oct := uint8(0); oct < 8; oct++ {
		child, err := id.Child(oct)
		if err != nil {
			return
		}
		if o.Get(child) != nil {
			o.WalkSubtree(child, fn)
		}
	}
}

// Ancestors visits the parents of id from the immediate parent up to the
// root.
func (o *Octree) Ancestors(id NodeID, fn func(*Descriptor)) {
	for !id.IsRoot() {
		parent, _ := id.Parent()
		if d := o.Get(parent); d != nil {
			fn(d)
		}
		id = parent
	}
}
