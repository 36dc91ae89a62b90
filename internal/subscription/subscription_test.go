package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/index"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
	"github.com/banshee-data/lidarserv/internal/query"
)

func testIndex(t *testing.T) *index.Index {
	t.Helper()
	schema, err := pointbuf.NewSchema([]pointbuf.AttributeSpec{
		{Name: "Classification", Type: pointbuf.AttributeType{Kind: pointbuf.KindU8, Components: 1}},
	})
	require.NoError(t, err)
	cs, err := coords.NewSystem([3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	require.NoError(t, err)
	h, err := index.NewHierarchy(2, 2, 1, coords.PointLocal{})
	require.NoError(t, err)
	ix, err := index.Open(t.TempDir(), index.Config{
		Schema:              schema,
		Coords:              cs,
		Hierarchy:           h,
		Priority:            index.PriorityNrPoints,
		CacheSize:           16,
		TargetPointPressure: 1,
		Workers:             1,
		DisableMeta:         true,
	})
	require.NoError(t, err)
	return ix
}

// insert feeds points and waits until the pipeline has drained them.
func insert(t *testing.T, ix *index.Index, points []coords.PointLocal) {
	t.Helper()
	buf := pointbuf.New(ix.Schema())
	for _, p := range points {
		cv, err := pointbuf.EncodeValue(pointbuf.AttributeType{Kind: pointbuf.KindU8, Components: 1}, []float64{2})
		require.NoError(t, err)
		require.NoError(t, buf.Append(p, cv))
	}
	require.NoError(t, ix.Insert(buf))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ix.WaitForCapacity(ctx))
}

func managerFixture(t *testing.T) (*index.Index, *Manager, context.Context) {
	t.Helper()
	ix := testIndex(t)
	m := NewManager(ix, t.Logf)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return ix, m, ctx
}

func setFullQuery(t *testing.T, ix *index.Index, sub *Subscription) {
	t.Helper()
	c, err := query.Compile(query.Full{}, query.Env{Schema: ix.Schema(), Coords: ix.Coords()})
	require.NoError(t, err)
	sub.SetQuery(c)
}

func nextUpdate(t *testing.T, sub *Subscription, timeout time.Duration) *Update {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	u, ok, err := sub.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	return u
}

// Subscribing to a query over existing nodes yields one add per node, and
// a later mutation of a node yields a replace naming it.
func TestSubscriptionAddThenReplace(t *testing.T) {
	ix, m, _ := managerFixture(t)
	// Two points in distinct root sampling cells: one node with data.
	insert(t, ix, []coords.PointLocal{{0, 0, 0}, {8, 0, 0}})

	sub := m.Subscribe()
	defer m.Unsubscribe(sub)
	setFullQuery(t, ix, sub)

	first := nextUpdate(t, sub, 5*time.Second)
	require.Nil(t, first.Replaces, "initial event is an add")
	require.Len(t, first.Nodes, 1)
	rootID := first.Nodes[0].ID
	require.True(t, rootID.IsRoot())
	require.NotEmpty(t, first.Nodes[0].Blob)
	sub.Ack(first.UpdateNumber)

	// New points: the root mutates (new version) and a child appears.
	insert(t, ix, []coords.PointLocal{{0, 8, 0}, {1, 1, 1}})

	var sawReplace, sawAdd bool
	for i := 0; i < 2; i++ {
		u := nextUpdate(t, sub, 5*time.Second)
		if u.Replaces != nil {
			require.True(t, u.Replaces.IsRoot())
			require.Len(t, u.Nodes, 1)
			sawReplace = true
		} else {
			require.Len(t, u.Nodes, 1)
			require.Equal(t, uint8(1), u.Nodes[0].ID.Lod())
			sawAdd = true
		}
		sub.Ack(u.UpdateNumber)
	}
	require.True(t, sawReplace, "mutated node re-sent as replace")
	require.True(t, sawAdd, "new child sent as add")
}

// The in-flight window holds back the eleventh update until an ack frees
// capacity.
func TestSubscriptionFlowControl(t *testing.T) {
	ix, m, _ := managerFixture(t)

	// Three points per sampling cell of the root: one accepted at each of
	// root, child, and grandchild. 8 cells → 17 nodes with data.
	var points []coords.PointLocal
	for oct := int32(0); oct < 8; oct++ {
		base := coords.PointLocal{X: (oct & 1) * 8, Y: (oct >> 1 & 1) * 8, Z: (oct >> 2 & 1) * 8}
		points = append(points,
			base,
			coords.PointLocal{X: base.X + 1, Y: base.Y + 1, Z: base.Z + 1},
			coords.PointLocal{X: base.X + 2, Y: base.Y + 2, Z: base.Z + 2},
		)
	}
	insert(t, ix, points)

	sub := m.Subscribe()
	defer m.Unsubscribe(sub)
	setFullQuery(t, ix, sub)

	for i := 0; i < DefaultWindow; i++ {
		u := nextUpdate(t, sub, 5*time.Second)
		require.Equal(t, uint64(i+1), u.UpdateNumber)
	}

	// Window full: the next update must not come out.
	blocked, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err := sub.Next(blocked)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// One ack frees exactly one slot.
	sub.Ack(1)
	u := nextUpdate(t, sub, 5*time.Second)
	require.Equal(t, uint64(DefaultWindow+1), u.UpdateNumber)
}

func TestSubscriptionAckIdempotence(t *testing.T) {
	ix, m, _ := managerFixture(t)
	insert(t, ix, []coords.PointLocal{{0, 0, 0}})

	sub := m.Subscribe()
	defer m.Unsubscribe(sub)
	setFullQuery(t, ix, sub)
	u := nextUpdate(t, sub, 5*time.Second)

	sub.Ack(u.UpdateNumber)
	acked := sub.ackedNum
	sub.Ack(u.UpdateNumber) // repeated: no-op
	require.Equal(t, acked, sub.ackedNum)
	sub.Ack(u.UpdateNumber - 1) // stale: ignored
	require.Equal(t, acked, sub.ackedNum)
	sub.Ack(u.UpdateNumber + 100) // beyond what was sent: clamped
	require.Equal(t, sub.sentNum, sub.ackedNum)
}

// Replacing the query discards queued-but-unsent updates and restarts the
// diff from an empty set.
func TestSubscriptionQueryChangeDiscardsQueued(t *testing.T) {
	ix, m, _ := managerFixture(t)
	insert(t, ix, []coords.PointLocal{{0, 0, 0}, {1, 1, 1}})

	sub := m.Subscribe()
	defer m.Unsubscribe(sub)
	setFullQuery(t, ix, sub)

	// Wait until the first pass has queued events, without consuming them.
	require.Eventually(t, func() bool {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		return len(sub.queued) > 0
	}, 5*time.Second, 10*time.Millisecond)

	// Switch to a query matching only the root's lod.
	c, err := query.Compile(query.Lod{Max: 0}, query.Env{Schema: ix.Schema(), Coords: ix.Coords()})
	require.NoError(t, err)
	sub.SetQuery(c)

	u := nextUpdate(t, sub, 5*time.Second)
	require.Nil(t, u.Replaces)
	require.Len(t, u.Nodes, 1)
	require.True(t, u.Nodes[0].ID.IsRoot())

	// And nothing else: the lod-1 node from the old query never arrives.
	blocked, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, _, err = sub.Next(blocked)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnsubscribeWakesNext(t *testing.T) {
	ix, m, _ := managerFixture(t)
	_ = ix

	sub := m.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok, err := sub.Next(context.Background())
		require.False(t, ok)
		require.NoError(t, err)
	}()
	time.Sleep(50 * time.Millisecond)
	m.Unsubscribe(sub)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Unsubscribe")
	}
}
