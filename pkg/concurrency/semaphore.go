package concurrency

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// sem is a fair, FIFO-within-arrival-order counting semaphore built on
// golang.org/x/sync/semaphore.Weighted (weight 1 per slot — every caller
// here only ever acquires a single admission, never a batch). Capacity is
// fixed for the lifetime of one sem; the Controller rebuilds (replaces,
// never mutates) a sem when the adaptive limit changes.
type sem struct {
	weighted *semaphore.Weighted
	cap      int
	held     atomic.Int64
}

func newSem(capacity int) *sem {
	if capacity < 0 {
		capacity = 0
	}
	return &sem{weighted: semaphore.NewWeighted(int64(capacity)), cap: capacity}
}

// acquire blocks until a slot is free, the timeout elapses, or ctx is
// cancelled. Returns false on timeout/cancellation.
func (s *sem) acquire(ctx context.Context, timeout time.Duration) bool {
	if s.cap == 0 {
		// A zero-capacity sem (e.g. disabled lane) never admits.
		return false
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.weighted.Acquire(acquireCtx, 1); err != nil {
		return false
	}
	s.held.Add(1)
	return true
}

func (s *sem) release() {
	if s.held.Load() <= 0 {
		// Releasing more than acquired would indicate a bookkeeping bug
		// upstream; drop silently rather than panic or deadlock a caller
		// that is already in its own release path.
		return
	}
	s.held.Add(-1)
	s.weighted.Release(1)
}

func (s *sem) capacity() int { return s.cap }

// inUse reports how many slots of this sem are currently held.
func (s *sem) inUse() int {
	return int(s.held.Load())
}
