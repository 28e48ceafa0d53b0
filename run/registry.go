package run

import (
	"sort"
	"sync"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
)

// StaleCompletionFunc is called when a completion is reported for a handle
// that is no longer the current one for its key.
type StaleCompletionFunc func(h *Handle, state core.CompletedState)

// Options configures a Registry.
type Options struct {
	Logger logging.Logger
	// OnStaleCompletion receives completions swallowed because their handle
	// was superseded or removed. The lifecycle bus never carries them.
	OnStaleCompletion StaleCompletionFunc
}

// Registry owns the current run handle per (room, thread) key and publishes
// lifecycle events. At most one handle is registered per key; registering a
// new one disposes the previous one before the new one becomes visible.
//
// All methods are safe for concurrent use. Lifecycle events are queued while
// the registry lock is held, so subscribers observe them in the order the
// causing operations were applied.
type Registry struct {
	mu     sync.RWMutex
	runs   map[core.ThreadKey]*Handle
	closed bool

	bus     *Bus
	logger  logging.Logger
	onStale StaleCompletionFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Registry{
		runs:    make(map[core.ThreadKey]*Handle),
		bus:     NewBus(),
		logger:  opts.Logger,
		onStale: opts.OnStaleCompletion,
	}
}

// RegisterRun makes h the current handle for its key and publishes a
// StartedEvent. A previous handle for the key is disposed with
// ErrSuperseded first. After Close it returns ErrRegistryClosed and leaves
// h untouched.
func (r *Registry) RegisterRun(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		r.logger.Error("run.register.closed", "key", h.key.String(), "run_id", h.runID)
		return ErrRegistryClosed
	}

	if old, ok := r.runs[h.key]; ok {
		if old == h {
			return nil
		}
		old.Dispose(ErrSuperseded)
		r.logger.Info("run.superseded", "key", h.key.String(), "run_id", old.runID, "by_run_id", h.runID)
	}

	r.runs[h.key] = h
	r.bus.Publish(StartedEvent{Key: h.key, RunID: h.runID})
	r.logger.Debug("run.registered", "key", h.key.String(), "run_id", h.runID)
	return nil
}

// CompleteRun stores state on h and, if h is still the current handle for
// its key, publishes a CompletedEvent and reports true. A completion for a
// superseded or removed handle changes nothing in the registry: it is
// logged and passed to OnStaleCompletion.
func (r *Registry) CompleteRun(h *Handle, state core.CompletedState) bool {
	h.SetState(state)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Debug("run.complete.after_close", "key", h.key.String(), "run_id", h.runID)
		return false
	}
	if cur, ok := r.runs[h.key]; !ok || cur != h {
		r.mu.Unlock()
		r.logger.Warn("run.complete.stale",
			"key", h.key.String(),
			"run_id", h.runID,
			"result", core.ResultName(state.Result),
		)
		if r.onStale != nil {
			r.onStale(h, state)
		}
		return false
	}
	r.bus.Publish(CompletedEvent{Key: h.key, RunID: h.runID, Result: state.Result})
	r.mu.Unlock()

	r.logger.Debug("run.completed", "key", h.key.String(), "run_id", h.runID, "result", core.ResultName(state.Result))
	return true
}

// RemoveRun disposes and removes the handle for key. It reports whether a
// handle was present.
func (r *Registry) RemoveRun(key core.ThreadKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.runs[key]
	if !ok {
		return false
	}
	delete(r.runs, key)
	h.Dispose(ErrRemoved)
	return true
}

// RemoveAll disposes and removes every handle.
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeAllLocked(ErrRemoved)
}

func (r *Registry) removeAllLocked(cause error) {
	for key, h := range r.runs {
		delete(r.runs, key)
		h.Dispose(cause)
	}
}

// Close disposes every handle and closes the lifecycle bus. Subsequent
// RegisterRun calls fail with ErrRegistryClosed. Close is idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.removeAllLocked(ErrRegistryClosed)
	r.mu.Unlock()

	r.bus.Close()
}

// Subscribe returns a new lifecycle subscription.
func (r *Registry) Subscribe() *Subscription { return r.bus.Subscribe() }

// Observe calls fn for every lifecycle event; see Bus.Observe.
func (r *Registry) Observe(fn func(LifecycleEvent)) *Subscription { return r.bus.Observe(fn) }

// HasRun reports whether any handle is registered for key.
func (r *Registry) HasRun(key core.ThreadKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runs[key]
	return ok
}

// HasActiveRun reports whether the handle registered for key is running.
func (r *Registry) HasActiveRun(key core.ThreadKey) bool {
	r.mu.RLock()
	h, ok := r.runs[key]
	r.mu.RUnlock()
	return ok && core.IsRunning(h.State())
}

// GetRunState returns the state of the run for key, or IdleRunState.
func (r *Registry) GetRunState(key core.ThreadKey) core.ActiveRunState {
	r.mu.RLock()
	h, ok := r.runs[key]
	r.mu.RUnlock()
	if !ok {
		return core.IdleRunState{}
	}
	return h.State()
}

// GetHandle returns the handle registered for key.
func (r *Registry) GetHandle(key core.ThreadKey) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.runs[key]
	return h, ok
}

// RunCount returns the number of registered handles.
func (r *Registry) RunCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// ActiveRunCount returns the number of registered handles that are running.
func (r *Registry) ActiveRunCount() int {
	n := 0
	for _, h := range r.Handles() {
		if core.IsRunning(h.State()) {
			n++
		}
	}
	return n
}

// Handles returns the registered handles ordered by key.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	hs := make([]*Handle, 0, len(r.runs))
	for _, h := range r.runs {
		hs = append(hs, h)
	}
	r.mu.RUnlock()

	sort.Slice(hs, func(i, j int) bool {
		a, b := hs[i].key, hs[j].key
		if a.RoomID != b.RoomID {
			return a.RoomID < b.RoomID
		}
		return a.ThreadID < b.ThreadID
	})
	return hs
}

// Closed reports whether Close has been called.
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}
