package index

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/lidarserv/internal/timeutil"
)

// PriorityFunction selects how the scheduler orders eligible tasks. The set
// is closed; ParsePriorityFunction validates settings input.
type PriorityFunction string

const (
	// PriorityNrPoints prefers the task with the most pending points,
	// maximising batch efficiency.
	PriorityNrPoints PriorityFunction = "NrPoints"
	// PriorityLod prefers the lowest lod, keeping the tree shallow and
	// queries cheap early.
	PriorityLod PriorityFunction = "Lod"
	// PriorityOldestPoint prefers the task whose oldest pending point is
	// earliest.
	PriorityOldestPoint PriorityFunction = "OldestPoint"
	// PriorityNewestPoint prefers the task whose newest pending point is
	// latest.
	PriorityNewestPoint PriorityFunction = "NewestPoint"
	// PriorityTaskAge prefers the task that has been waiting the longest,
	// a pure starvation floor.
	PriorityTaskAge PriorityFunction = "TaskAge"
	// PriorityNrPointsWeightedByTaskAge is the default: points scaled up
	// the longer the task waits, combining throughput with starvation
	// avoidance.
	PriorityNrPointsWeightedByTaskAge PriorityFunction = "NrPointsWeightedByTaskAge"
	// PriorityNrPointsWeightedByOldestPoint weights throughput by the age
	// of the oldest pending point.
	PriorityNrPointsWeightedByOldestPoint PriorityFunction = "NrPointsWeightedByOldestPoint"
	// PriorityNrPointsWeightedByNegNewestPoint weights throughput down by
	// the age of the newest pending point.
	PriorityNrPointsWeightedByNegNewestPoint PriorityFunction = "NrPointsWeightedByNegNewestPoint"
)

// DefaultPriorityFunction is used when settings carry no explicit choice.
const DefaultPriorityFunction = PriorityNrPointsWeightedByTaskAge

// ageWeight is the k in points·(1 + age·k), per second of age.
const ageWeight = 0.1

// ParsePriorityFunction validates a settings value.
func ParsePriorityFunction(s string) (PriorityFunction, error) {
	switch PriorityFunction(s) {
	case PriorityNrPoints, PriorityLod, PriorityOldestPoint, PriorityNewestPoint,
		PriorityTaskAge, PriorityNrPointsWeightedByTaskAge,
		PriorityNrPointsWeightedByOldestPoint, PriorityNrPointsWeightedByNegNewestPoint:
		return PriorityFunction(s), nil
	case "":
		return DefaultPriorityFunction, nil
	}
	return "", fmt.Errorf("unknown priority function %q", s)
}

// Score rates one eligible task; the scheduler runs the highest score
// first. Ages are measured at scoring time: taskAge since the task became
// eligible, oldestAge/newestAge since the oldest/newest pending point
// arrived.
func (p PriorityFunction) Score(points int, taskAge, oldestAge, newestAge time.Duration, lod uint8) float64 {
	switch p {
	case PriorityNrPoints:
		return float64(points)
	case PriorityLod:
		return -float64(lod)
	case PriorityOldestPoint:
		return oldestAge.Seconds()
	case PriorityNewestPoint:
		return -newestAge.Seconds()
	case PriorityTaskAge:
		return taskAge.Seconds()
	case PriorityNrPointsWeightedByTaskAge:
		return float64(points) * (1 + taskAge.Seconds()*ageWeight)
	case PriorityNrPointsWeightedByOldestPoint:
		return float64(points) * (1 + oldestAge.Seconds()*ageWeight)
	case PriorityNrPointsWeightedByNegNewestPoint:
		return float64(points) * (1 - newestAge.Seconds()*ageWeight)
	}
	return float64(points)
}

// task is one eligible unit of work: drain one node's inbox.
type task struct {
	id       NodeID
	desc     *Descriptor
	enqueued time.Time
}

// taskQueue holds the eligible tasks behind a single mutex. Age-weighted
// priority functions change the relative order of waiting tasks over time,
// so scores are recomputed at pop time over the eligible set rather than
// frozen into a heap at push time. Task durations dominate the scan.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  map[NodeID]*task
	pf     PriorityFunction
	clock  timeutil.Clock
	closed bool
}

func newTaskQueue(pf PriorityFunction) *taskQueue {
	return newTaskQueueWithClock(pf, timeutil.RealClock{})
}

func newTaskQueueWithClock(pf PriorityFunction, clock timeutil.Clock) *taskQueue {
	q := &taskQueue{tasks: make(map[NodeID]*task), pf: pf, clock: clock}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue makes the node's task eligible. A task already queued for the
// same node is left in place; its score picks up the new inbox stats on
// the next pop.
func (q *taskQueue) Enqueue(desc *Descriptor, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, ok := q.tasks[desc.ID()]; !ok {
		q.tasks[desc.ID()] = &task{id: desc.ID(), desc: desc, enqueued: now}
		q.cond.Signal()
	}
}

// Pop blocks until a task is eligible and returns the highest-priority one.
// It returns false once the queue is closed and empty. Ties break on the
// canonical node order so scheduling is reproducible.
func (q *taskQueue) Pop() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.tasks) > 0 {
			now := q.clock.Now()
			var best *task
			var bestScore float64
			for _, t := range q.tasks {
				points, oldest, newest := t.desc.InboxStats()
				score := q.pf.Score(points, now.Sub(t.enqueued), ageSince(now, oldest), ageSince(now, newest), t.id.Lod())
				if best == nil || score > bestScore || (score == bestScore && t.id.Less(best.id)) {
					best, bestScore = t, score
				}
			}
			delete(q.tasks, best.id)
			return best, true
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

func ageSince(now, t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return now.Sub(t)
}

// Close wakes all waiters; Pop drains remaining tasks first.
func (q *taskQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of eligible tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
