package engine

import "context"

// slots is a channel-based semaphore pre-filled up to limit. A nil *slots is
// unbounded.
type slots struct {
	ch chan struct{}
}

func newSlots(limit int) *slots {
	if limit <= 0 {
		return nil
	}
	s := &slots{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		s.ch <- struct{}{}
	}
	return s
}

func (s *slots) tryAcquire() bool {
	if s == nil {
		return true
	}
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *slots) acquire(ctx context.Context, stop <-chan struct{}) error {
	if s == nil {
		return nil
	}
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrStopped
	}
}

func (s *slots) release() {
	if s == nil {
		return
	}
	// Never block on release.
	select {
	case s.ch <- struct{}{}:
	default:
	}
}
