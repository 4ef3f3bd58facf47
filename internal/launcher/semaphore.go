package launcher

import (
	"context"
	"sync"
)

// slotSemaphore counts running executions against a limit that can change
// while slots are held. A limit <= 0 means unlimited, but holders are still
// counted, so lowering the limit later blocks new acquires until enough of
// them release.
type slotSemaphore struct {
	mu    sync.Mutex
	limit int
	used  int
	// freed is closed and replaced whenever a waiter may now succeed.
	freed chan struct{}
}

func newSlotSemaphore(limit int) *slotSemaphore {
	return &slotSemaphore{limit: limit, freed: make(chan struct{})}
}

func (s *slotSemaphore) acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.limit <= 0 || s.used < s.limit {
			s.used++
			s.mu.Unlock()
			return nil
		}
		freed := s.freed
		s.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *slotSemaphore) release() {
	s.mu.Lock()
	if s.used > 0 {
		s.used--
	}
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *slotSemaphore) setLimit(limit int) {
	s.mu.Lock()
	s.limit = limit
	s.wakeLocked()
	s.mu.Unlock()
}

func (s *slotSemaphore) inUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *slotSemaphore) wakeLocked() {
	close(s.freed)
	s.freed = make(chan struct{})
}
