package source

import (
	"context"
	"sync"

	"github.com/hupe1980/agentrun/core"
)

// Static replays a fixed list of events for every run. It is useful for
// tests and demos.
type Static struct {
	events []core.Event
	err    error
	hold   bool

	mu       sync.Mutex
	requests []Request
}

// NewStatic returns a source that emits events in order and closes.
func NewStatic(events ...core.Event) *Static {
	return &Static{events: append([]core.Event(nil), events...)}
}

// WithError returns a copy that fails with err after the events.
func (s *Static) WithError(err error) *Static {
	return &Static{events: s.events, err: err, hold: s.hold}
}

// Holding returns a copy that keeps the stream open after the events until
// the run is cancelled.
func (s *Static) Holding() *Static {
	return &Static{events: s.events, err: s.err, hold: true}
}

// Stream implements Source.
func (s *Static) Stream(ctx context.Context, req Request) (<-chan core.Event, <-chan error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	w, events, errs := Pipe(ctx, len(s.events))
	go func() {
		defer w.Close()
		for _, ev := range s.events {
			if !w.Emit(ev) {
				return
			}
		}
		if s.hold {
			<-ctx.Done()
			return
		}
		if s.err != nil {
			w.Fail(s.err)
		}
	}()
	return events, errs
}

// Requests returns the requests the source has been streamed with.
func (s *Static) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
