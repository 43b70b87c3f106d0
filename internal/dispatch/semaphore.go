package dispatch

import "context"

// semaphore is a channel-based bounded semaphore. Tokens are pre-filled
// up to limit; blocked acquirers are served in FIFO order by the runtime,
// so no sender starves under sustained load.
//
// The limit is fixed for the life of the semaphore.
type semaphore struct {
	limit int
	ch    chan struct{}
}

func newSemaphore(limit int) *semaphore {
	if limit <= 0 {
		limit = 1
	}
	s := &semaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

// acquire blocks until a token is available or ctx is done.
func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	// Best-effort: never block on release.
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// inUse reports how many tokens are currently held. Operational signal
// only.
func (s *semaphore) inUse() int { return s.limit - len(s.ch) }
