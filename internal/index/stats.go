package index

import "sync/atomic"

// Stats is the index's atomic counter block. Counters are cheap enough to
// keep always-on; LogStats emits a one-line summary on the diag stream.
type Stats struct {
	PointsReceived   atomic.Uint64
	PointsInserted   atomic.Uint64
	PointsBogus      atomic.Uint64
	PointsOutOfRange atomic.Uint64
	TasksRun         atomic.Uint64
	CacheHits        atomic.Uint64
	CacheMisses      atomic.Uint64
	CacheEvictions   atomic.Uint64
	NodeLoads        atomic.Uint64
	NodeWrites       atomic.Uint64
	WriteRetries     atomic.Uint64
}

// LogStats emits a summary line on the diag stream.
func (s *Stats) LogStats() {
	diagf("points: received=%d inserted=%d bogus=%d out_of_range=%d; tasks=%d; cache: hits=%d misses=%d evictions=%d; io: loads=%d writes=%d retries=%d",
		s.PointsReceived.Load(), s.PointsInserted.Load(), s.PointsBogus.Load(), s.PointsOutOfRange.Load(),
		s.TasksRun.Load(),
		s.CacheHits.Load(), s.CacheMisses.Load(), s.CacheEvictions.Load(),
		s.NodeLoads.Load(), s.NodeWrites.Load(), s.WriteRetries.Load())
}
