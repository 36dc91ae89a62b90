// Package subscription maintains live viewer queries over the index. Each
// subscription tracks which node versions the viewer has seen; every
// evaluation pass diffs the query's current node set against that record
// and emits add/replace/remove updates, throttled by a per-subscription
// in-flight window keyed off the client's acks.
package subscription

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/banshee-data/lidarserv/internal/index"
	"github.com/banshee-data/lidarserv/internal/query"
)

// DefaultWindow is the number of updates a subscription may have in flight
// (sent but not acknowledged) before further updates are deferred.
const DefaultWindow = 10

// NodePayload is one node's serialised points inside an update.
type NodePayload struct {
	ID   index.NodeID
	Blob []byte // LAS point records
}

// Update is one incremental result event. Replaces nil with nodes is an
// add; both set is a replace; Replaces set with no nodes removes the node
// from the viewer's working set.
type Update struct {
	UpdateNumber uint64
	Replaces     *index.NodeID
	Nodes        []NodePayload
}

// pendingUpdate defers point serialisation to send time, keeping the
// evaluation pass cheap and the stream lazy.
type pendingUpdate struct {
	replaces *index.NodeID
	nodes    []pendingNode
}

type pendingNode struct {
	id      index.NodeID
	partial bool // apply the query's point filter when serialising
}

// Subscription is one viewer's live query.
type Subscription struct {
	id uuid.UUID
	m  *Manager

	mu       sync.Mutex
	cond     *sync.Cond
	compiled *query.Compiled
	sent     map[index.NodeID]uint64
	queued   []pendingUpdate
	sentNum  uint64 // updates handed to the wire
	ackedNum uint64 // updates the client confirmed processing
	window   int
	closed   bool
}

// ID returns the subscription's identifier.
func (s *Subscription) ID() uuid.UUID { return s.id }

// SetQuery installs a new query. Updates queued for the old query but not
// yet sent are discarded (the viewer no longer wants that data) and
// diffing restarts from an empty sent set.
func (s *Subscription) SetQuery(c *query.Compiled) {
	s.mu.Lock()
	s.compiled = c
	s.queued = nil
	s.sent = make(map[index.NodeID]uint64)
	s.mu.Unlock()
	s.m.kickNow()
}

// Ack records that the client has processed n updates in total. A repeated
// or stale ack is a no-op.
func (s *Subscription) Ack(n uint64) {
	s.mu.Lock()
	if n > s.ackedNum {
		if n > s.sentNum {
			n = s.sentNum
		}
		s.ackedNum = n
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// Next blocks until an update may be sent under the in-flight window and
// returns it with its assigned update number. It returns ctx.Err() on
// cancellation; a closed subscription returns ok=false.
func (s *Subscription) Next(ctx context.Context) (*Update, bool, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return nil, false, nil
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return nil, false, ctx.Err()
		}
		if len(s.queued) > 0 && s.sentNum-s.ackedNum < uint64(s.window) {
			break
		}
		s.cond.Wait()
	}
	pending := s.queued[0]
	s.queued = s.queued[1:]
	s.sentNum++
	num := s.sentNum
	compiled := s.compiled
	s.mu.Unlock()

	update := &Update{UpdateNumber: num, Replaces: pending.replaces}
	for _, pn := range pending.nodes {
		blob, err := s.m.serialiseNode(compiled, pn)
		if err != nil {
			// A node read failure is local; the viewer misses one node
			// until its next version bump.
			s.m.logf("serialising %s for subscription %s failed: %v", pn.id, s.id, err)
			continue
		}
		update.Nodes = append(update.Nodes, NodePayload{ID: pn.id, Blob: blob})
	}
	return update, true, nil
}

// close marks the subscription dead and wakes any blocked Next.
func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.queued = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// evaluate runs one diff pass against the current index snapshot.
func (s *Subscription) evaluate() {
	s.mu.Lock()
	compiled := s.compiled
	s.mu.Unlock()
	if compiled == nil {
		return
	}

	results := s.m.ix.EvaluateQuery(compiled)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compiled != compiled || s.closed {
		// The query changed under us; the pass for the new query follows.
		return
	}
	current := make(map[index.NodeID]struct{}, len(results))
	queuedBefore := len(s.queued)
	for _, r := range results {
		current[r.ID] = struct{}{}
		prev, wasSent := s.sent[r.ID]
		if wasSent && prev == r.Version {
			continue
		}
		pn := pendingNode{id: r.ID, partial: r.Decision == query.Partial && compiled.NeedsPointFilter()}
		up := pendingUpdate{nodes: []pendingNode{pn}}
		if wasSent {
			id := r.ID
			up.replaces = &id
		}
		s.queued = append(s.queued, up)
		s.sent[r.ID] = r.Version
	}
	for id := range s.sent {
		if _, ok := current[id]; !ok {
			removed := id
			s.queued = append(s.queued, pendingUpdate{replaces: &removed})
			delete(s.sent, id)
		}
	}
	if len(s.queued) != queuedBefore {
		s.cond.Broadcast()
	}
}

// Manager owns the subscriptions of one index and re-evaluates them when
// the insertion pipeline reports mutations.
type Manager struct {
	ix   *index.Index
	logf func(format string, v ...interface{})

	mu   sync.Mutex
	subs map[uuid.UUID]*Subscription
	kick chan struct{}
}

// NewManager returns a manager over ix. logf may be nil.
func NewManager(ix *index.Index, logf func(format string, v ...interface{})) *Manager {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	return &Manager{
		ix:   ix,
		logf: logf,
		subs: make(map[uuid.UUID]*Subscription),
		kick: make(chan struct{}, 1),
	}
}

// Subscribe registers a new subscription with no query yet.
func (m *Manager) Subscribe() *Subscription {
	s := &Subscription{
		id:     uuid.New(),
		m:      m,
		sent:   make(map[index.NodeID]uint64),
		window: DefaultWindow,
	}
	s.cond = sync.NewCond(&s.mu)
	m.mu.Lock()
	m.subs[s.id] = s
	m.mu.Unlock()
	return s
}

// Unsubscribe removes a subscription and discards its pending updates.
func (m *Manager) Unsubscribe(s *Subscription) {
	m.mu.Lock()
	delete(m.subs, s.id)
	m.mu.Unlock()
	s.close()
}

// kickNow schedules an immediate evaluation pass.
func (m *Manager) kickNow() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Run executes the evaluation loop until ctx is cancelled. Mutation
// notifications arrive pre-coalesced from the index notifier; each wakeup
// re-evaluates every subscription once.
func (m *Manager) Run(ctx context.Context) {
	notifier := m.ix.Notifier()
	for {
		select {
		case <-ctx.Done():
			return
		case <-notifier.C():
			notifier.Drain()
		case <-m.kick:
		}
		m.mu.Lock()
		subs := make([]*Subscription, 0, len(m.subs))
		for _, s := range m.subs {
			subs = append(subs, s)
		}
		m.mu.Unlock()
		for _, s := range subs {
			s.evaluate()
		}
	}
}

// serialiseNode reads a node's current points and encodes them as LAS,
// applying the query's point filter for partial matches.
func (m *Manager) serialiseNode(compiled *query.Compiled, pn pendingNode) ([]byte, error) {
	buf, _, err := m.ix.ReadNodePoints(pn.id)
	if err != nil {
		return nil, err
	}
	if pn.partial && compiled != nil {
		buf = buf.Filter(func(i int) bool { return compiled.FilterPoint(buf, i) })
	}
	return m.ix.Codec().EncodeToBytes(buf)
}
