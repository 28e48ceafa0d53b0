package run

import (
	"sync"

	"github.com/hupe1980/agentrun/core"
)

// LifecycleEvent is published by the registry: StartedEvent or
// CompletedEvent.
type LifecycleEvent interface {
	ThreadKey() core.ThreadKey
	isLifecycleEvent()
}

// StartedEvent reports that a run was registered for a key.
type StartedEvent struct {
	Key   core.ThreadKey
	RunID string
}

// CompletedEvent reports that the current run for a key reached a terminal
// outcome.
type CompletedEvent struct {
	Key    core.ThreadKey
	RunID  string
	Result core.CompletionResult
}

func (e StartedEvent) ThreadKey() core.ThreadKey   { return e.Key }
func (e CompletedEvent) ThreadKey() core.ThreadKey { return e.Key }

func (StartedEvent) isLifecycleEvent()   {}
func (CompletedEvent) isLifecycleEvent() {}

// Bus fans lifecycle events out to every subscriber. Each subscriber has an
// unbounded in-order queue, so Publish never blocks and a slow subscriber
// never delays the others.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus returns an open bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber that receives every event published from
// now on. Subscribing to a closed bus returns a subscription whose channel
// is already closed.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:  b,
		ch:   make(chan LifecycleEvent),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Observe calls fn for every event on its own goroutine until the bus is
// closed or the returned subscription is closed.
func (b *Bus) Observe(fn func(LifecycleEvent)) *Subscription {
	s := b.Subscribe()
	go func() {
		for ev := range s.C() {
			fn(ev)
		}
	}()
	return s
}

// Publish queues ev for every subscriber. It reports false if the bus is
// closed.
func (b *Bus) Publish(ev LifecycleEvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	for s := range b.subs {
		s.enqueue(ev)
	}
	return true
}

// Close stops accepting events. Subscribers still receive everything
// queued before Close, then their channels are closed. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for s := range subs {
		s.finish()
	}
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber of a Bus.
type Subscription struct {
	bus  *Bus
	ch   chan LifecycleEvent
	wake chan struct{}
	stop chan struct{}

	mu       sync.Mutex
	queue    []LifecycleEvent
	draining bool

	stopOnce sync.Once
}

// C returns the channel events are delivered on. It is closed after the bus
// closes and the queue is drained, or after Close.
func (s *Subscription) C() <-chan LifecycleEvent { return s.ch }

// Close unsubscribes. Queued events not yet received are dropped.
func (s *Subscription) Close() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.bus.remove(s)
	})
	return nil
}

func (s *Subscription) enqueue(ev LifecycleEvent) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) finish() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.stop:
			return
		}
	}
}
