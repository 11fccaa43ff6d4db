package broadcast

import (
	"context"
	"iter"
	"sync"
)

// Subscription is one observer's ordered, bounded event queue.
type Subscription[T any] struct {
	hub   *hub[T]
	topic string

	mu      sync.Mutex
	buf     []T
	size    int
	dropped int
	closed  bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// offer enqueues ev and reports false when the subscriber must be disconnected.
func (s *Subscription[T]) offer(ev T, policy Policy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if len(s.buf) >= s.size {
		if policy == Disconnect {
			return false
		}
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped++
	}
	s.buf = append(s.buf, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an event is available and returns it. It returns false
// once the subscription is closed and drained, or when ctx is done.
// Events still queued at disconnect time are discarded.
func (s *Subscription[T]) Next(ctx context.Context) (T, bool) {
	var zero T
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return zero, false
		}
		if len(s.buf) > 0 {
			ev := s.buf[0]
			var empty T
			s.buf[0] = empty
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return ev, true
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return zero, false
		}
	}
}

// All yields events in publication order until the subscription closes or
// ctx is done.
func (s *Subscription[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			ev, ok := s.Next(ctx)
			if !ok || !yield(ev) {
				return
			}
		}
	}
}

// Done is closed when the subscription has been disconnected.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Dropped returns how many events were discarded by the drop-oldest policy.
func (s *Subscription[T]) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close disconnects the subscriber and releases its queue. It is safe to
// call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.buf = nil
		s.mu.Unlock()
		close(s.done)
		s.hub.remove(s)
	})
}
