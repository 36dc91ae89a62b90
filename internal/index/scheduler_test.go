package index

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidarserv/internal/coords"
	"github.com/banshee-data/lidarserv/internal/pointbuf"
	"github.com/banshee-data/lidarserv/internal/timeutil"
)

func coordsPointAt(i int) coords.PointLocal {
	return coords.PointLocal{X: int32(i % 16), Y: int32(i / 16 % 16), Z: int32(i / 256 % 16)}
}

func TestParsePriorityFunction(t *testing.T) {
	for _, name := range []string{
		"NrPoints", "Lod", "OldestPoint", "NewestPoint", "TaskAge",
		"NrPointsWeightedByTaskAge", "NrPointsWeightedByOldestPoint", "NrPointsWeightedByNegNewestPoint",
	} {
		pf, err := ParsePriorityFunction(name)
		require.NoError(t, err)
		require.Equal(t, PriorityFunction(name), pf)
	}

	pf, err := ParsePriorityFunction("")
	require.NoError(t, err)
	require.Equal(t, DefaultPriorityFunction, pf)

	if _, err := ParsePriorityFunction("Fifo"); err == nil {
		t.Fatal("unknown priority function accepted")
	}
}

func TestPriorityScores(t *testing.T) {
	tests := []struct {
		name   string
		pf     PriorityFunction
		a, b   func() float64
		aFirst bool
	}{
		{
			name:   "NrPoints prefers larger inboxes",
			pf:     PriorityNrPoints,
			a:      func() float64 { return PriorityNrPoints.Score(1000, 0, 0, 0, 3) },
			b:      func() float64 { return PriorityNrPoints.Score(10, 0, 0, 0, 0) },
			aFirst: true,
		},
		{
			name:   "Lod prefers shallow nodes",
			pf:     PriorityLod,
			a:      func() float64 { return PriorityLod.Score(10, 0, 0, 0, 0) },
			b:      func() float64 { return PriorityLod.Score(100000, 0, 0, 0, 2) },
			aFirst: true,
		},
		{
			name:   "OldestPoint prefers older pending points",
			pf:     PriorityOldestPoint,
			a:      func() float64 { return PriorityOldestPoint.Score(1, 0, 5*time.Second, 0, 0) },
			b:      func() float64 { return PriorityOldestPoint.Score(1, 0, time.Second, 0, 0) },
			aFirst: true,
		},
		{
			name:   "NewestPoint prefers the latest arrival",
			pf:     PriorityNewestPoint,
			a:      func() float64 { return PriorityNewestPoint.Score(1, 0, 0, time.Second, 0) },
			b:      func() float64 { return PriorityNewestPoint.Score(1, 0, 0, 5*time.Second, 0) },
			aFirst: true,
		},
		{
			name:   "TaskAge prefers the longest waiter",
			pf:     PriorityTaskAge,
			a:      func() float64 { return PriorityTaskAge.Score(1, time.Minute, 0, 0, 0) },
			b:      func() float64 { return PriorityTaskAge.Score(100000, time.Second, 0, 0, 0) },
			aFirst: true,
		},
		{
			name: "NrPointsWeightedByTaskAge lets age overtake size",
			pf:   PriorityNrPointsWeightedByTaskAge,
			a: func() float64 {
				return PriorityNrPointsWeightedByTaskAge.Score(100, 100*time.Second, 0, 0, 0)
			},
			b: func() float64 {
				return PriorityNrPointsWeightedByTaskAge.Score(500, 0, 0, 0, 0)
			},
			aFirst: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.aFirst {
				require.Greater(t, tt.a(), tt.b())
			} else {
				require.Less(t, tt.a(), tt.b())
			}
		})
	}
}

func queueFixture(t *testing.T, pf PriorityFunction) (*taskQueue, *Octree) {
	t.Helper()
	schema, err := pointbuf.NewSchema(nil)
	require.NoError(t, err)
	o, err := NewOctree(testHierarchy(t), schema, nil)
	require.NoError(t, err)
	return newTaskQueue(pf), o
}

func enqueueWithPoints(t *testing.T, q *taskQueue, o *Octree, id NodeID, points int) *Descriptor {
	t.Helper()
	d, err := o.Restore(id)
	require.NoError(t, err)
	schema, err := pointbuf.NewSchema(nil)
	require.NoError(t, err)
	buf := pointbuf.New(schema)
	for i := 0; i < points; i++ {
		require.NoError(t, buf.Append(coordsPointAt(i)))
	}
	d.EnqueueInbox(buf, time.Now())
	q.Enqueue(d, time.Now())
	return d
}

// The lod priority runs every shallower task before any deeper one,
// regardless of inbox size.
func TestTaskQueueLodOrdering(t *testing.T) {
	q, o := queueFixture(t, PriorityLod)

	c1, err := RootID().Child(1)
	require.NoError(t, err)
	g, err := c1.Child(0)
	require.NoError(t, err)

	enqueueWithPoints(t, q, o, g, 5000)
	enqueueWithPoints(t, q, o, c1, 100)
	enqueueWithPoints(t, q, o, RootID(), 1)

	var order []NodeID
	for i := 0; i < 3; i++ {
		task, ok := q.Pop()
		require.True(t, ok)
		order = append(order, task.id)
	}
	require.Equal(t, []NodeID{RootID(), c1, g}, order)
}

func TestTaskQueueNrPointsOrdering(t *testing.T) {
	q, o := queueFixture(t, PriorityNrPoints)

	c1, _ := RootID().Child(1)
	c2, _ := RootID().Child(2)
	enqueueWithPoints(t, q, o, c1, 10)
	enqueueWithPoints(t, q, o, c2, 200)
	enqueueWithPoints(t, q, o, RootID(), 50)

	task, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, c2, task.id)
}

// Re-enqueueing an already eligible node does not duplicate the task, and
// the task picks up the grown inbox.
func TestTaskQueueUpsert(t *testing.T) {
	q, o := queueFixture(t, PriorityNrPoints)

	c1, _ := RootID().Child(1)
	c2, _ := RootID().Child(2)
	enqueueWithPoints(t, q, o, c1, 10)
	enqueueWithPoints(t, q, o, c1, 300) // same node again
	enqueueWithPoints(t, q, o, c2, 100)
	require.Equal(t, 2, q.Len())

	task, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, c1, task.id, "310 pending points beat 100")
}

// With the default age-weighted priority, a small starving task overtakes
// a large fresh one as the clock advances.
func TestTaskQueueAgeWeightOvertakes(t *testing.T) {
	clock := timeutil.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	schema, err := pointbuf.NewSchema(nil)
	require.NoError(t, err)
	o, err := NewOctree(testHierarchy(t), schema, nil)
	require.NoError(t, err)
	q := newTaskQueueWithClock(PriorityNrPointsWeightedByTaskAge, clock)

	small, _ := RootID().Child(1)
	large, _ := RootID().Child(2)

	enqueue := func(id NodeID, points int) {
		d, err := o.Restore(id)
		require.NoError(t, err)
		buf := pointbuf.New(schema)
		for i := 0; i < points; i++ {
			require.NoError(t, buf.Append(coordsPointAt(i)))
		}
		d.EnqueueInbox(buf, clock.Now())
		q.Enqueue(d, clock.Now())
	}

	// The small task waits two minutes before the large one shows up.
	enqueue(small, 100)
	clock.Advance(2 * time.Minute)
	enqueue(large, 500)

	// small: 100·(1 + 120·0.1) = 1300 beats large: 500·(1 + 0) = 500.
	task, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, small, task.id)
}

func TestTaskQueueCloseDrains(t *testing.T) {
	q, o := queueFixture(t, PriorityNrPoints)
	enqueueWithPoints(t, q, o, RootID(), 5)
	q.Close()

	_, ok := q.Pop()
	require.True(t, ok, "queued task survives Close")
	_, ok = q.Pop()
	require.False(t, ok, "closed and empty")
}
