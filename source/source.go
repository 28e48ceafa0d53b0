// Package source defines where run events come from. A Source opens one
// event stream per run; the engine consumes it until a terminal event, a
// stream error, stream close or cancellation.
//
// Implementations in this package replay scripted or recorded events. The
// anthropic and openai sub-packages translate provider streaming APIs into
// protocol events.
package source

import (
	"context"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/tool"
)

// Request is what a run sends to the backend.
type Request struct {
	ThreadID string
	RunID    string
	// Messages is the conversation so far, oldest first.
	Messages []core.Message
	// Tools are the client-side tools the backend may call.
	Tools []tool.Definition
	// ToolResults answers tool calls made in the previous run.
	ToolResults []core.ToolResult
	// State is the agent state tree the run starts from.
	State map[string]any
}

// Source opens a run's event stream. The events channel is closed when the
// stream ends; the error channel carries at most one error and is closed
// after the events channel. Consumers read the error channel only after the
// events channel is closed, so producers must not block sending on it; Pipe
// takes care of that. Cancelling ctx ends the stream.
type Source interface {
	Stream(ctx context.Context, req Request) (<-chan core.Event, <-chan error)
}

// Func adapts a function to the Source interface.
type Func func(ctx context.Context, req Request) (<-chan core.Event, <-chan error)

// Stream calls f.
func (f Func) Stream(ctx context.Context, req Request) (<-chan core.Event, <-chan error) {
	return f(ctx, req)
}

// Writer is the producing side of an event stream.
type Writer struct {
	ctx    context.Context
	events chan core.Event
	errs   chan error
}

// Pipe returns a Writer and the channels it feeds. buffer sizes the events
// channel.
func Pipe(ctx context.Context, buffer int) (*Writer, <-chan core.Event, <-chan error) {
	if buffer < 0 {
		buffer = 0
	}
	w := &Writer{
		ctx:    ctx,
		events: make(chan core.Event, buffer),
		errs:   make(chan error, 1),
	}
	return w, w.events, w.errs
}

// Emit sends ev unless ctx is done. It reports whether ev was sent.
func (w *Writer) Emit(ev core.Event) bool {
	if w.ctx.Err() != nil {
		return false
	}
	select {
	case w.events <- ev:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// Fail records the stream error. Only the first call has an effect.
func (w *Writer) Fail(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// Close closes both channels. It must be called exactly once, by the
// producing goroutine.
func (w *Writer) Close() {
	close(w.events)
	close(w.errs)
}
