package run

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/hupe1980/agentrun/core"
)

var (
	// ErrSuperseded is the cancellation cause of a run replaced by a newer
	// run on the same key.
	ErrSuperseded = errors.New("run superseded")
	// ErrRemoved is the cancellation cause of a run removed from the registry.
	ErrRemoved = errors.New("run removed")
	// ErrRegistryClosed is returned by RegisterRun after Close, and is the
	// cancellation cause of runs disposed by Close.
	ErrRegistryClosed = errors.New("run registry closed")
)

// HandleParams describes a run being started.
type HandleParams struct {
	Key           core.ThreadKey
	RunID         string
	UserMessageID string
	// Baseline is the state tree as it stood before the run; it is the
	// "previous" side of citation extraction.
	Baseline     map[string]any
	Conversation core.Conversation
}

// Handle bundles one run's resources: its cancellation token, its event
// subscription and its current state. Handles are compared by identity.
type Handle struct {
	key           core.ThreadKey
	runID         string
	userMessageID string
	baseline      map[string]any

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.RWMutex
	sub         io.Closer
	disposed    bool
	state       core.ActiveRunState
	toolResults []core.ToolResult

	disposeOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
}

// NewHandle creates a handle in the running state. The handle's token is a
// child of parent.
func NewHandle(parent context.Context, p HandleParams) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	conv := p.Conversation
	if conv.Status == nil {
		conv.Status = core.Idle{}
	}
	if conv.ThreadID == "" {
		conv.ThreadID = p.Key.ThreadID
	}
	return &Handle{
		key:           p.Key,
		runID:         p.RunID,
		userMessageID: p.UserMessageID,
		baseline:      core.CloneState(p.Baseline),
		ctx:           ctx,
		cancel:        cancel,
		state:         core.RunningState{Conversation: conv, Streaming: core.NotStreaming()},
		done:          make(chan struct{}),
	}
}

// Key returns the (room, thread) key of the run.
func (h *Handle) Key() core.ThreadKey { return h.key }

// RunID returns the run id.
func (h *Handle) RunID() string { return h.runID }

// UserMessageID returns the id of the user message that triggered the run.
func (h *Handle) UserMessageID() string { return h.userMessageID }

// Baseline returns the state tree captured before the run started. Callers
// must not modify it.
func (h *Handle) Baseline() map[string]any { return h.baseline }

// Context returns the run's cancellation token. It is done once the handle
// is disposed or cancelled; context.Cause reports why.
func (h *Handle) Context() context.Context { return h.ctx }

// Cancelled reports whether the token has been cancelled.
func (h *Handle) Cancelled() bool { return h.ctx.Err() != nil }

// Cancel cancels the token with cause without releasing the subscription.
// The consumption loop observes the cancellation and completes the run.
func (h *Handle) Cancel(cause error) { h.cancel(cause) }

// SetSubscription attaches the event source subscription released on
// Dispose. If the handle was already disposed, sub is closed immediately.
func (h *Handle) SetSubscription(sub io.Closer) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		closeQuietly(sub)
		return
	}
	h.sub = sub
	h.mu.Unlock()
}

// State returns the current ActiveRunState.
func (h *Handle) State() core.ActiveRunState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// SetState replaces the current ActiveRunState.
func (h *Handle) SetState(s core.ActiveRunState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// AddToolResult records the result of a locally executed tool call.
func (h *Handle) AddToolResult(r core.ToolResult) {
	h.mu.Lock()
	h.toolResults = append(h.toolResults, r)
	h.mu.Unlock()
}

// ToolResults returns a copy of the recorded tool results.
func (h *Handle) ToolResults() []core.ToolResult {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]core.ToolResult, len(h.toolResults))
	copy(out, h.toolResults)
	return out
}

// Dispose cancels the token with cause and closes the subscription. Only
// the first call has an effect; errors and panics from closing are
// discarded.
func (h *Handle) Dispose(cause error) {
	h.disposeOnce.Do(func() {
		h.cancel(cause)

		h.mu.Lock()
		sub := h.sub
		h.sub = nil
		h.disposed = true
		h.mu.Unlock()

		if sub != nil {
			closeQuietly(sub)
		}
	})
}

// Disposed reports whether Dispose has run.
func (h *Handle) Disposed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.disposed
}

// MarkDone signals that the consumption loop has exited.
func (h *Handle) MarkDone() {
	h.doneOnce.Do(func() { close(h.done) })
}

// Done is closed once the consumption loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func closeQuietly(c io.Closer) {
	defer func() { _ = recover() }()
	_ = c.Close()
}
