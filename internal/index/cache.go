package index

import (
	"container/list"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/banshee-data/lidarserv/internal/pointbuf"
)

// ErrNodeNotFound is returned by Cache.Get for a node that exists neither
// in memory nor on disk.
var ErrNodeNotFound = errors.New("node not found")

// Cache is the LRU page cache fronting the node store. It is bounded by a
// node count; pinned entries are never evicted, and a dirty entry is
// written through the store before being discarded. Concurrent loads of the
// same id coalesce into a single store read.
type Cache struct {
	store      *Store
	hierarchy  Hierarchy
	schema     *pointbuf.Schema
	capacity   int
	summaryFor func(NodeID) []SummarySnapshot
	stats      *Stats

	mu      sync.Mutex
	entries map[NodeID]*cacheEntry
	lru     *list.List // front = most recently used
}

type cacheEntry struct {
	id   NodeID
	node *Node

	pins    int
	elem    *list.Element
	ready   chan struct{} // closed once the load attempt finished
	loadErr error

	// contentMu guards the node's contents. Tasks acquire it pinned, and
	// when a task needs both a parent and a child it takes the parent
	// first; that is the only permitted nesting.
	contentMu sync.Mutex
}

// NewCache builds a cache over store. summaryFor supplies the current
// attribute summary snapshot of a node at write-back time; stats may be
// nil.
func NewCache(store *Store, h Hierarchy, schema *pointbuf.Schema, capacity int,
	summaryFor func(NodeID) []SummarySnapshot, stats *Stats) (*Cache, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("cache capacity %d too small: a routing step pins a parent and a child", capacity)
	}
	return &Cache{
		store:      store,
		hierarchy:  h,
		schema:     schema,
		capacity:   capacity,
		summaryFor: summaryFor,
		stats:      stats,
		entries:    make(map[NodeID]*cacheEntry),
		lru:        list.New(),
	}, nil
}

// Handle is a pinned reference to a cached node. Content access requires
// Lock/Unlock; Release drops the pin and must be called exactly once.
type Handle struct {
	c *Cache
	e *cacheEntry
}

// Node returns the cached node. Mutation requires holding Lock.
func (h *Handle) Node() *Node { return h.e.node }

// Lock takes the entry's content mutex.
func (h *Handle) Lock() { h.e.contentMu.Lock() }

// Unlock releases the entry's content mutex.
func (h *Handle) Unlock() { h.e.contentMu.Unlock() }

// MarkDirty records a mutation and bumps the node version. Caller must
// hold Lock.
func (h *Handle) MarkDirty() {
	h.e.node.dirty = true
	h.e.node.version++
}

// Release unpins the entry.
func (h *Handle) Release() {
	h.c.mu.Lock()
	h.e.pins--
	h.c.mu.Unlock()
}

// Get returns a pinned handle for an existing node, loading it on a miss.
func (c *Cache) Get(id NodeID) (*Handle, error) {
	return c.acquire(id, false)
}

// GetOrCreate is Get, but a node with no on-disk file starts empty instead
// of failing.
func (c *Cache) GetOrCreate(id NodeID) (*Handle, error) {
	return c.acquire(id, true)
}

func (c *Cache) acquire(id NodeID, create bool) (*Handle, error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.pins++
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		<-e.ready
		if e.loadErr != nil {
			// The loader failed after we queued behind it.
			c.mu.Lock()
			e.pins--
			c.mu.Unlock()
			return nil, e.loadErr
		}
		if c.stats != nil {
			c.stats.CacheHits.Add(1)
		}
		return &Handle{c: c, e: e}, nil
	}

	e := &cacheEntry{id: id, pins: 1, ready: make(chan struct{})}
	e.elem = c.lru.PushFront(e)
	c.entries[id] = e
	c.mu.Unlock()

	if c.stats != nil {
		c.stats.CacheMisses.Add(1)
	}
	node, err := c.load(id, create)

	c.mu.Lock()
	e.node, e.loadErr = node, err
	close(e.ready)
	if err != nil {
		e.pins--
		delete(c.entries, id)
		c.lru.Remove(e.elem)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.evictOverflow()
	return &Handle{c: c, e: e}, nil
}

func (c *Cache) load(id NodeID, create bool) (*Node, error) {
	if !c.store.Exists(id) {
		if !create {
			return nil, fmt.Errorf("%w: %s: %w", ErrNodeNotFound, id, os.ErrNotExist)
		}
		return NewNode(id, c.hierarchy, c.schema), nil
	}
	data, err := c.store.Read(id)
	if err != nil {
		return nil, err
	}
	if c.stats != nil {
		c.stats.NodeLoads.Add(1)
	}
	region := c.hierarchy.RegionOf(id)
	node := &Node{
		id:     id,
		points: data.Points,
		bogus:  data.Bogus,
		grid:   RebuildSamplingGrid(region.Min, c.hierarchy.GridCellShift(id.Lod()), data.Points),
	}
	return node, nil
}

// evictOverflow discards least-recently-used unpinned entries until the
// cache is back under capacity. Dirty victims are written through the
// store first; a failed write-back keeps the entry cached and dirty. When
// every entry is pinned the cache stalls eviction and logs, since that
// indicates the worker pool outnumbers the cache budget.
func (c *Cache) evictOverflow() {
	for {
		c.mu.Lock()
		if len(c.entries) <= c.capacity {
			c.mu.Unlock()
			return
		}
		var victim *cacheEntry
		for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
			e := elem.Value.(*cacheEntry)
			if e.pins == 0 && e.loadErr == nil {
				select {
				case <-e.ready:
					victim = e
				default:
				}
				if victim != nil {
					break
				}
			}
		}
		if victim == nil {
			c.mu.Unlock()
			opsf("cache over capacity (%d > %d) with every entry pinned; stalling eviction", len(c.entries), c.capacity)
			return
		}
		// Pin the victim so nobody else evicts it while we write back
		// outside the cache lock.
		victim.pins++
		c.mu.Unlock()

		if err := c.writeBack(victim); err != nil {
			opsf("write-back of %s failed, keeping it cached dirty: %v", victim.id, err)
			c.mu.Lock()
			victim.pins--
			c.lru.MoveToFront(victim.elem)
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		victim.pins--
		if victim.pins == 0 && !victim.node.dirty {
			delete(c.entries, victim.id)
			c.lru.Remove(victim.elem)
			if c.stats != nil {
				c.stats.CacheEvictions.Add(1)
			}
		}
		c.mu.Unlock()
	}
}

// writeBack persists the entry if dirty. Nobody else holds the content
// mutex of an unpinned entry, so taking it here cannot invert the
// parent/child order.
func (c *Cache) writeBack(e *cacheEntry) error {
	e.contentMu.Lock()
	defer e.contentMu.Unlock()
	if !e.node.dirty {
		return nil
	}
	data := &NodeData{
		Points:  e.node.points,
		Bogus:   e.node.bogus,
		Summary: c.summaryFor(e.id),
	}
	if err := c.store.Write(e.id, data); err != nil {
		return err
	}
	e.node.dirty = false
	if c.stats != nil {
		c.stats.NodeWrites.Add(1)
	}
	return nil
}

// FlushAll writes every dirty entry through the store. Used at shutdown
// after the pipeline has quiesced; pinned entries are flushed too (their
// owners are done mutating by then).
func (c *Cache) FlushAll() error {
	c.mu.Lock()
	snapshot := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		e.pins++
		snapshot = append(snapshot, e)
	}
	c.mu.Unlock()

	var firstErr error
	for _, e := range snapshot {
		<-e.ready
		if e.loadErr == nil {
			if err := c.writeBack(e); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		c.mu.Lock()
		e.pins--
		c.mu.Unlock()
	}
	return firstErr
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
