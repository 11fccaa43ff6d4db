// Package broadcast fans job status and log events out to live observers.
//
// Publishing never blocks: every subscriber owns a bounded queue. When a
// queue is full the hub applies its Policy, either discarding the oldest
// queued event or disconnecting the subscriber.
package broadcast

import (
	"fmt"
	"sync"

	"github.com/cwygoda/distillery/internal/domain"
)

// Policy selects what happens when a subscriber's queue is full.
type Policy int

const (
	// DropOldest discards the oldest undelivered event to make room.
	DropOldest Policy = iota
	// Disconnect closes the subscriber, which then ends its sequence.
	Disconnect
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "drop-oldest" or "disconnect".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop-oldest":
		return DropOldest, nil
	case "disconnect":
		return Disconnect, nil
	default:
		return 0, fmt.Errorf("unknown backpressure policy %q", s)
	}
}

// Options configures queue sizes and overflow policies per channel kind.
type Options struct {
	StatusQueue  int
	StatusPolicy Policy
	LogQueue     int
	LogPolicy    Policy
}

// DefaultOptions drops stale status events and disconnects slow log readers.
func DefaultOptions() Options {
	return Options{
		StatusQueue:  64,
		StatusPolicy: DropOldest,
		LogQueue:     256,
		LogPolicy:    Disconnect,
	}
}

// Broadcaster carries a global status channel and one log channel per job.
type Broadcaster struct {
	status *hub[domain.StatusEvent]
	logs   *hub[domain.LogEvent]
}

var _ domain.EventPublisher = (*Broadcaster)(nil)

// New creates a Broadcaster.
func New(opts Options) *Broadcaster {
	if opts.StatusQueue <= 0 {
		opts.StatusQueue = DefaultOptions().StatusQueue
	}
	if opts.LogQueue <= 0 {
		opts.LogQueue = DefaultOptions().LogQueue
	}
	return &Broadcaster{
		status: newHub[domain.StatusEvent](opts.StatusQueue, opts.StatusPolicy),
		logs:   newHub[domain.LogEvent](opts.LogQueue, opts.LogPolicy),
	}
}

// SubscribeStatus registers an observer of every job transition.
func (b *Broadcaster) SubscribeStatus() *Subscription[domain.StatusEvent] {
	return b.status.subscribe("")
}

// SubscribeLogs registers an observer of one job's log lines.
func (b *Broadcaster) SubscribeLogs(jobID string) *Subscription[domain.LogEvent] {
	return b.logs.subscribe(jobID)
}

// PublishStatus delivers ev to all status subscribers.
func (b *Broadcaster) PublishStatus(ev domain.StatusEvent) {
	b.status.publish("", ev)
}

// PublishLog delivers ev to the subscribers of ev.JobID's log channel.
func (b *Broadcaster) PublishLog(ev domain.LogEvent) {
	b.logs.publish(ev.JobID, ev)
}

// Subscribers returns the number of live status and log subscribers.
func (b *Broadcaster) Subscribers() (status, logs int) {
	return b.status.count(), b.logs.count()
}

// Close disconnects every subscriber.
func (b *Broadcaster) Close() {
	b.status.closeAll()
	b.logs.closeAll()
}

type hub[T any] struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription[T]]struct{}
	size   int
	policy Policy
}

func newHub[T any](size int, policy Policy) *hub[T] {
	return &hub[T]{
		topics: make(map[string]map[*Subscription[T]]struct{}),
		size:   size,
		policy: policy,
	}
}

func (h *hub[T]) subscribe(topic string) *Subscription[T] {
	s := &Subscription[T]{
		hub:    h,
		topic:  topic,
		buf:    make([]T, 0, h.size),
		size:   h.size,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[*Subscription[T]]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub[T]) publish(topic string, ev T) {
	var overflowed []*Subscription[T]

	h.mu.RLock()
	for s := range h.topics[topic] {
		if !s.offer(ev, h.policy) {
			overflowed = append(overflowed, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range overflowed {
		s.Close()
	}
}

func (h *hub[T]) remove(s *Subscription[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[s.topic]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.topics, s.topic)
	}
}

func (h *hub[T]) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

func (h *hub[T]) closeAll() {
	h.mu.RLock()
	var all []*Subscription[T]
	for _, subs := range h.topics {
		for s := range subs {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.Close()
	}
}
