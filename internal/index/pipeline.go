package index

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/las"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// ErrStopped is returned by Insert once the index has begun quiescing.
var ErrStopped = errors.New("index stopped")

// Config carries everything the index needs from the point cloud settings.
type Config struct {
	Schema    *pointbuf.Schema
	Coords    coords.System
	Hierarchy Hierarchy
	AttrIndex []AttrIndexConfig

	Priority            PriorityFunction
	CacheSize           int
	BogusInnerCap       int
	BogusLeafCap        int
	TargetPointPressure int
	Workers             int
	Compression         bool

	// DisableMeta skips the sqlite metadata snapshot; startup recovery
	// then always scans the node store. Used by tests.
	DisableMeta bool
}

// Index is the modifiable nested octree over one point cloud directory. It
// owns the skeleton, the node store and cache, the insertion pipeline and
// its worker pool, and exposes snapshot reads for the query side.
type Index struct {
	cfg    Config
	dir    string
	codec  *las.Codec
	store  *Store
	cache  *Cache
	octree *Octree
	meta   *MetaStore
	queue  *taskQueue

	notifier *Notifier
	pressure *pressureGauge
	stats    Stats

	stopped atomic.Bool
	wg      sync.WaitGroup
}

// Open loads or creates the index under dir and starts the worker pool.
func Open(dir string, cfg Config) (*Index, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.TargetPointPressure <= 0 {
		cfg.TargetPointPressure = 1 << 20
	}
	if cfg.Priority == "" {
		cfg.Priority = DefaultPriorityFunction
	}

	codec := las.NewCodec(cfg.Schema, cfg.Coords)
	store, err := NewStore(filepath.Join(dir, "nodes"), codec, cfg.Compression)
	if err != nil {
		return nil, err
	}
	octree, err := NewOctree(cfg.Hierarchy, cfg.Schema, cfg.AttrIndex)
	if err != nil {
		return nil, err
	}

	ix := &Index{
		cfg:      cfg,
		dir:      dir,
		codec:    codec,
		store:    store,
		octree:   octree,
		queue:    newTaskQueue(cfg.Priority),
		notifier: NewNotifier(),
		pressure: newPressureGauge(),
	}
	ix.cache, err = NewCache(store, cfg.Hierarchy, cfg.Schema, cfg.CacheSize, ix.summaryFor, &ix.stats)
	if err != nil {
		return nil, err
	}

	if !cfg.DisableMeta {
		ix.meta, err = OpenMetaStore(filepath.Join(dir, "index.sqlite"))
		if err != nil {
			return nil, fmt.Errorf("opening metadata store: %w", err)
		}
	}
	if err := ix.recover(); err != nil {
		return nil, err
	}

	for i := 0; i < cfg.Workers; i++ {
		ix.wg.Add(1)
		go ix.worker()
	}
	diagf("index open: %d nodes, %d workers, priority=%s, cache=%d",
		octree.Count(), cfg.Workers, cfg.Priority, cfg.CacheSize)
	return ix, nil
}

// recover rebuilds the skeleton and its summaries. A clean metadata
// snapshot is preferred; otherwise (first start, or the previous process
// died) the node store is scanned and every sidecar read back.
func (ix *Index) recover() error {
	if ix.meta != nil {
		records, clean, err := ix.meta.LoadSnapshot()
		if err != nil {
			return err
		}
		if clean {
			for _, rec := range records {
				desc, err := ix.octree.Restore(rec.ID)
				if err != nil {
					return err
				}
				if err := desc.RestoreSummaries(rec.Summary); err != nil {
					return fmt.Errorf("restoring summaries of %s: %w", rec.ID, err)
				}
				desc.setVersion(rec.Version)
			}
			ix.propagateSubtreeSummaries()
			// Any crash from here on invalidates the snapshot.
			if err := ix.meta.MarkDirty(); err != nil {
				return err
			}
			diagf("recovered %d nodes from metadata snapshot", len(records))
			return nil
		}
		if err := ix.meta.MarkDirty(); err != nil {
			return err
		}
	}

	ids, err := ix.store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		desc, err := ix.octree.Restore(id)
		if err != nil {
			return err
		}
		_, _, summary, err := ix.store.ReadSidecar(id)
		if err != nil {
			return fmt.Errorf("startup read of %s: %w", id, err)
		}
		if err := desc.RestoreSummaries(summary); err != nil {
			return fmt.Errorf("restoring summaries of %s: %w", id, err)
		}
		desc.markHasData()
	}
	ix.propagateSubtreeSummaries()
	if len(ids) > 0 {
		diagf("recovered %d nodes from store scan", len(ids))
	}
	return nil
}

// propagateSubtreeSummaries merges every node's own summary into all of
// its ancestors' subtree summaries. Runs single-threaded during recovery.
func (ix *Index) propagateSubtreeSummaries() {
	ix.octree.WalkSubtree(RootID(), func(d *Descriptor) bool {
		d.OwnSummary(func(own *Summaries) {
			delta := own.Clone()
			ix.octree.Ancestors(d.ID(), func(a *Descriptor) {
				a.MergeSubtreeSummary(delta)
			})
		})
		return true
	})
}

// summaryFor supplies the cache's write-back path with the current
// attribute summary of a node.
func (ix *Index) summaryFor(id NodeID) []SummarySnapshot {
	desc := ix.octree.Get(id)
	if desc == nil {
		// The descriptor exists before any write can happen; this is a bug
		// guard, not a reachable path.
		opsf("write-back of %s found no descriptor", id)
		return nil
	}
	return desc.OwnSummarySnapshot()
}

// Schema returns the point schema.
func (ix *Index) Schema() *pointbuf.Schema { return ix.cfg.Schema }

// Coords returns the coordinate system.
func (ix *Index) Coords() coords.System { return ix.cfg.Coords }

// Hierarchy returns the octree shift parameters.
func (ix *Index) Hierarchy() Hierarchy { return ix.cfg.Hierarchy }

// Codec returns the LAS codec bound to this cloud's schema and grid.
func (ix *Index) Codec() *las.Codec { return ix.codec }

// Notifier exposes the coalesced mutation feed for the subscription
// manager.
func (ix *Index) Notifier() *Notifier { return ix.notifier }

// Stats returns the counter block.
func (ix *Index) Stats() *Stats { return &ix.stats }

// PendingPoints returns the current point pressure: points sitting in
// inboxes or being processed.
func (ix *Index) PendingPoints() int64 { return ix.pressure.Value() }

// WaitForCapacity blocks while the point pressure is at or above the
// configured target. Capture connections call this before reading the next
// frame off the socket, which is what backpressure means at the wire level.
func (ix *Index) WaitForCapacity(ctx context.Context) error {
	return ix.pressure.WaitBelow(ctx, int64(ix.cfg.TargetPointPressure))
}

// Insert appends a batch of quantised points to the root inbox. Points
// outside the root region are dropped and counted, never an error. Order
// within the batch is preserved all the way down the insertion path.
func (ix *Index) Insert(buf *pointbuf.Buffer) error {
	if ix.stopped.Load() {
		return ErrStopped
	}
	n := buf.Len()
	ix.stats.PointsReceived.Add(uint64(n))
	root := ix.cfg.Hierarchy.RootRegion()
	inRange := buf.Filter(func(i int) bool { return root.Contains(buf.PositionAt(i)) })
	if dropped := n - inRange.Len(); dropped > 0 {
		ix.stats.PointsOutOfRange.Add(uint64(dropped))
		diagf("dropped %d points outside the root region", dropped)
	}
	if inRange.Len() == 0 {
		return nil
	}

	now := time.Now()
	desc := ix.octree.Root()
	desc.EnqueueInbox(inRange, now)
	ix.pressure.Add(int64(inRange.Len()))
	ix.queue.Enqueue(desc, now)
	return nil
}

// worker is the body of one pool thread: pop the highest-priority task and
// process it, until the queue closes.
func (ix *Index) worker() {
	defer ix.wg.Done()
	for {
		t, ok := ix.queue.Pop()
		if !ok {
			return
		}
		ix.processTask(t)
	}
}

// processTask drains one node's inbox through the sampling grid: accepted
// points stay, rejected points are retained as bogus up to the cap, the
// rest spill into the children's inboxes.
func (ix *Index) processTask(t *task) {
	desc := t.desc
	id := t.id
	batches, arrival := desc.DrainInbox()
	if len(batches) == 0 {
		return
	}

	handle, err := ix.cache.GetOrCreate(id)
	if err != nil {
		// Disk trouble is local to this node: requeue the work and move on.
		opsf("loading %s failed, requeueing its inbox: %v", id, err)
		for _, b := range batches {
			desc.EnqueueInbox(b, arrival)
		}
		ix.queue.Enqueue(desc, time.Now())
		return
	}
	defer handle.Release()

	delta, err := NewSummaries(ix.cfg.Schema, ix.cfg.AttrIndex)
	if err != nil {
		opsf("building summary delta for %s: %v", id, err)
		return
	}

	isLeaf := id.Lod() == ix.cfg.Hierarchy.MaxLod
	bogusCap := ix.cfg.BogusInnerCap
	if isLeaf {
		bogusCap = ix.cfg.BogusLeafCap
	}
	region := ix.cfg.Hierarchy.RegionOf(id)

	var routed [8]*pointbuf.Buffer
	var accepted, bogus, spilled int

	handle.Lock()
	node := handle.Node()
	// A node loaded after restart starts counting at zero while its
	// descriptor carries the persisted version; never regress.
	if node.version < desc.Version() {
		node.version = desc.Version()
	}
	for _, batch := range batches {
		for i := 0; i < batch.Len(); i++ {
			p := batch.PositionAt(i)
			switch {
			case node.grid.Occupy(node.grid.CellOf(p)):
				node.points.AppendFrom(batch, i)
				delta.AddPoint(batch, i)
				accepted++
			case isLeaf || node.bogus.Len() < bogusCap:
				// A leaf has nowhere to spill, so its cap never drops data.
				node.bogus.AppendFrom(batch, i)
				delta.AddPoint(batch, i)
				bogus++
			default:
				oct := ix.cfg.Hierarchy.OctantOf(id, region, p)
				if routed[oct] == nil {
					routed[oct] = pointbuf.New(ix.cfg.Schema)
				}
				routed[oct].AppendFrom(batch, i)
				spilled++
			}
		}
	}

	// A cap lowered between runs can leave a loaded node over its bogus
	// budget; the overflow drains to the children through the same router.
	if !isLeaf && node.bogus.Len() > bogusCap {
		overflow := node.bogus.Len() - bogusCap
		keep := make([]int, bogusCap)
		for i := range keep {
			keep[i] = i
		}
		for i := bogusCap; i < node.bogus.Len(); i++ {
			p := node.bogus.PositionAt(i)
			oct := ix.cfg.Hierarchy.OctantOf(id, region, p)
			if routed[oct] == nil {
				routed[oct] = pointbuf.New(ix.cfg.Schema)
			}
			routed[oct].AppendFrom(node.bogus, i)
		}
		node.bogus = node.bogus.Gather(keep)
		ix.pressure.Add(int64(overflow))
		spilled += overflow
	}

	committed := accepted + bogus
	if committed > 0 || spilled > 0 {
		handle.MarkDirty()
		desc.setVersion(node.version)
	}
	handle.Unlock()

	if committed > 0 {
		desc.MergeOwnSummary(delta)
		desc.MergeSubtreeSummary(delta)
		ix.octree.Ancestors(id, func(a *Descriptor) {
			a.MergeSubtreeSummary(delta)
		})
		ix.notifier.Notify(id)
	}

	now := time.Now()
	for oct := uint8(0); oct < 8; oct++ {
		if routed[oct] == nil {
			continue
		}
		child, err := ix.octree.GetOrCreateChild(id, oct)
		if err != nil {
			// Unreachable while routing stays below MaxLod; surfaced loudly
			// because losing points here would violate the accounting.
			opsf("routing from %s to octant %d failed: %v", id, oct, err)
			ix.pressure.Add(int64(-routed[oct].Len()))
			continue
		}
		child.EnqueueInbox(routed[oct], arrival)
		ix.queue.Enqueue(child, now)
	}

	ix.pressure.Add(int64(-committed))
	ix.stats.TasksRun.Add(1)
	ix.stats.PointsInserted.Add(uint64(accepted))
	ix.stats.PointsBogus.Add(uint64(bogus))
	tracef("task %s: %d accepted, %d bogus, %d spilled", id, accepted, bogus, spilled)
}

// Quiesce drains the pipeline and persists everything: stop accepting,
// wait for all inboxes to empty, stop the workers, flush the cache, and
// snapshot the tree metadata. The index is unusable afterwards.
func (ix *Index) Quiesce(ctx context.Context) error {
	ix.stopped.Store(true)
	if err := ix.pressure.WaitZero(ctx); err != nil {
		return fmt.Errorf("draining inboxes: %w", err)
	}
	ix.queue.Close()
	ix.wg.Wait()

	if err := ix.cache.FlushAll(); err != nil {
		return fmt.Errorf("flushing cache: %w", err)
	}
	if ix.meta != nil {
		if err := ix.meta.SaveSnapshot(ix.octree); err != nil {
			return fmt.Errorf("saving metadata snapshot: %w", err)
		}
		if err := ix.meta.Close(); err != nil {
			return err
		}
	}
	ix.stats.LogStats()
	return nil
}

// pressureGauge is the pending-point counter with waiters for the
// backpressure and quiesce paths.
type pressureGauge struct {
	mu   sync.Mutex
	cond *sync.Cond
	v    int64
}

func newPressureGauge() *pressureGauge {
	g := &pressureGauge{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *pressureGauge) Add(n int64) {
	g.mu.Lock()
	g.v += n
	if g.v < 0 {
		// Accounting bug guard; pressure can never go negative.
		opsf("point pressure went negative (%d), clamping", g.v)
		g.v = 0
	}
	g.cond.Broadcast()
	g.mu.Unlock()
}

func (g *pressureGauge) Value() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.v
}

// WaitBelow blocks until the gauge drops below limit or ctx is done.
func (g *pressureGauge) WaitBelow(ctx context.Context, limit int64) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			g.cond.Broadcast()
		case <-done:
		}
	}()
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.v >= limit {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.cond.Wait()
	}
	return nil
}

// WaitZero blocks until the gauge reaches zero or ctx is done.
func (g *pressureGauge) WaitZero(ctx context.Context) error {
	return g.WaitBelow(ctx, 1)
}
