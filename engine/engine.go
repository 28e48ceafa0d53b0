package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
	"github.com/hupe1980/agentrun/processor"
	"github.com/hupe1980/agentrun/run"
	"github.com/hupe1980/agentrun/session"
	"github.com/hupe1980/agentrun/source"
	"github.com/hupe1980/agentrun/tool"
)

// ErrStreamClosed is the failure reported when an event stream ends before
// the run reached RUN_FINISHED or RUN_ERROR.
var ErrStreamClosed = errors.New("event stream closed before the run finished")

// Config defines tuning parameters for the Engine's operational behavior.
//
// Example:
//
//	cfg := Config{
//	    ToolTimeout: 10 * time.Second,
//	}
type Config struct {
	// ToolTimeout bounds a single local tool execution. Zero disables the
	// limit.
	ToolTimeout time.Duration
}

// DefaultConfig provides default configuration values.
var DefaultConfig = Config{
	ToolTimeout: 30 * time.Second,
}

// Metrics receives run and tool measurements. metrics.Metrics implements it
// with Prometheus collectors.
type Metrics interface {
	RunStarted()
	RunCompleted(result string, d time.Duration)
	StaleCompletion()
	ToolExecuted(name, status string, d time.Duration)
	EventProcessed(eventType string)
}

type noopMetrics struct{}

func (noopMetrics) RunStarted()                                {}
func (noopMetrics) RunCompleted(string, time.Duration)         {}
func (noopMetrics) StaleCompletion()                           {}
func (noopMetrics) ToolExecuted(string, string, time.Duration) {}
func (noopMetrics) EventProcessed(string)                      {}

// Options configures an Engine instance using the functional options
// pattern. Every dependency has an in-memory default.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Logger = logger
//	    o.Tools = tool.NewRegistry().RegisterTool(search)
//	})
type Options struct {
	// Config contains operational parameters for the engine behavior.
	Config Config

	// Registry tracks the runs. When nil the engine creates one that logs
	// through Logger and counts stale completions in Metrics.
	Registry *run.Registry

	// Tools are advertised to every run and executed locally when the
	// backend ends a call to one of them.
	Tools tool.Registry

	// Store keeps the last conversation per thread. Defaults to an
	// in-memory store.
	Store core.ThreadStore

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger

	// Metrics receives measurements. Defaults to a no-op implementation.
	Metrics Metrics

	// Callbacks hooks into the consumption loop. May be nil.
	Callbacks *CallbackManager

	// Processor folds events. The zero value uses time.Now for message
	// timestamps.
	Processor processor.Processor
}

// Engine drives runs: it opens a source stream per run, registers the run,
// folds the stream's events into the run's conversation on a dedicated
// goroutine, executes client-side tools and completes the run through the
// registry.
//
// Concurrency Model:
//   - one consumption goroutine per run
//   - the registry serializes registration, completion and removal
//   - the tool registry is swapped atomically by RegisterTool; a run keeps
//     the tools it started with
//
// Outcome mapping:
//   - RUN_FINISHED yields Success
//   - RUN_ERROR yields FailedResult with the event's message
//   - a stream error yields FailedResult with the error text
//   - a stream closing early yields FailedResult (ErrStreamClosed) unless the
//     conversation already reached a terminal status
//   - cancelling the run's token yields Cancelled with the cause
type Engine struct {
	config    Config
	registry  *run.Registry
	store     core.ThreadStore
	logger    logging.Logger
	metrics   Metrics
	callbacks *CallbackManager
	proc      processor.Processor

	toolsMu sync.RWMutex
	tools   tool.Registry

	// saveMu makes the current-handle check and the store write of a
	// finishing run one step, so a superseded run cannot overwrite the
	// thread its successor saved.
	saveMu sync.Mutex

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a new Engine with defaults for every option not set.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config:    DefaultConfig,
		Tools:     tool.NewRegistry(),
		Store:     session.NewInMemoryStore(),
		Logger:    logging.NoOpLogger{},
		Metrics:   noopMetrics{},
		Callbacks: NewCallbackManager(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.Store == nil {
		opts.Store = session.NewInMemoryStore()
	}

	e := &Engine{
		config:    opts.Config,
		store:     opts.Store,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		callbacks: opts.Callbacks,
		proc:      opts.Processor,
		tools:     opts.Tools,
	}

	e.registry = opts.Registry
	if e.registry == nil {
		e.registry = run.NewRegistry(func(o *run.Options) {
			o.Logger = opts.Logger
			o.OnStaleCompletion = func(*run.Handle, core.CompletedState) {
				e.metrics.StaleCompletion()
			}
		})
	}

	return e
}

// Registry returns the run registry.
func (e *Engine) Registry() *run.Registry { return e.registry }

// Store returns the thread store.
func (e *Engine) Store() core.ThreadStore { return e.store }

// Callbacks returns the callback manager.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// RegisterTool adds t to the tools advertised to runs started from now on.
func (e *Engine) RegisterTool(t tool.Tool) {
	e.toolsMu.Lock()
	defer e.toolsMu.Unlock()
	e.tools = e.tools.RegisterTool(t)
}

// Tools returns the current tool registry.
func (e *Engine) Tools() tool.Registry {
	e.toolsMu.RLock()
	defer e.toolsMu.RUnlock()
	return e.tools
}

// StartParams describes a run to start.
type StartParams struct {
	Key core.ThreadKey

	// RunID identifies the run. Generated when empty.
	RunID string

	// UserMessage is appended to the conversation before the request is
	// sent. Its ID (generated when empty) keys the citations extracted by
	// the run. A message with empty text is not appended.
	UserMessage core.Message

	// Conversation overrides the stored conversation the run starts from.
	Conversation *core.Conversation

	// Baseline overrides the state tree citations are compared against.
	// Defaults to the starting conversation's state.
	Baseline map[string]any

	// ToolResults answer the previous run's tool calls. When nil, the
	// results recorded on the key's previous, finished handle are used.
	ToolResults []core.ToolResult
}

// StartRun opens src for a new run on p.Key, registers it (superseding any
// run on the key) and consumes its events asynchronously. ctx bounds only
// the setup; the run itself lives until it completes or is cancelled.
func (e *Engine) StartRun(ctx context.Context, p StartParams, src source.Source) (*run.Handle, error) {
	e.mu.Lock()
	if e.closed || e.registry.Closed() {
		e.mu.Unlock()
		return nil, run.ErrRegistryClosed
	}
	e.wg.Add(1)
	e.mu.Unlock()

	h, err := e.startRun(ctx, p, src)
	if err != nil {
		e.wg.Done()
		return nil, err
	}
	return h, nil
}

func (e *Engine) startRun(ctx context.Context, p StartParams, src source.Source) (*run.Handle, error) {
	conv, err := e.startingConversation(ctx, p)
	if err != nil {
		return nil, err
	}

	baseline := p.Baseline
	if baseline == nil {
		baseline = conv.State
	}

	runID := p.RunID
	if runID == "" {
		runID = core.NewID()
	}

	var userMessageID string
	if p.UserMessage.Text != "" {
		msg := p.UserMessage
		if msg.ID == "" {
			msg.ID = core.NewID()
		}
		if msg.Role == "" {
			msg.Role = core.RoleUser
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		conv = conv.WithMessage(msg)
		userMessageID = msg.ID
	}

	toolResults := p.ToolResults
	if toolResults == nil {
		if prev, ok := e.registry.GetHandle(p.Key); ok && !core.IsRunning(prev.State()) {
			toolResults = prev.ToolResults()
		}
	}

	tools := e.Tools()
	logger := logging.With(e.logger, "key", p.Key.String(), "run_id", runID)

	h := run.NewHandle(context.WithoutCancel(ctx), run.HandleParams{
		Key:           p.Key,
		RunID:         runID,
		UserMessageID: userMessageID,
		Baseline:      baseline,
		Conversation:  conv,
	})

	streamCtx, stopStream := context.WithCancel(logging.NewContext(h.Context(), logger))
	h.SetSubscription(closerFunc(stopStream))

	events, errs := src.Stream(streamCtx, source.Request{
		ThreadID:    p.Key.ThreadID,
		RunID:       runID,
		Messages:    conv.Messages,
		Tools:       tools.Definitions(),
		ToolResults: toolResults,
		State:       core.CloneState(conv.State),
	})

	if err := e.registry.RegisterRun(h); err != nil {
		h.Dispose(err)
		return nil, err
	}

	e.metrics.RunStarted()
	logger.Info("run.start", "tools", tools.Len(), "tool_results", len(toolResults))

	l := &loop{
		engine:  e,
		handle:  h,
		ctx:     streamCtx,
		stop:    stopStream,
		events:  events,
		errs:    errs,
		tools:   tools,
		logger:  logger,
		conv:    conv,
		st:      core.NotStreaming(),
		started: time.Now(),
	}

	go l.run()

	return h, nil
}

func (e *Engine) startingConversation(ctx context.Context, p StartParams) (core.Conversation, error) {
	if p.Conversation != nil {
		conv := *p.Conversation
		if conv.ThreadID == "" {
			conv.ThreadID = p.Key.ThreadID
		}
		if conv.Status == nil {
			conv.Status = core.Idle{}
		}
		return conv, nil
	}

	thread, err := e.store.Get(ctx, p.Key)
	switch {
	case errors.Is(err, core.ErrThreadNotFound):
		return core.NewConversation(p.Key.ThreadID), nil
	case err != nil:
		return core.Conversation{}, fmt.Errorf("load thread %s: %w", p.Key, err)
	}
	return thread.Conversation, nil
}

// Run starts a run and waits for its completion.
func (e *Engine) Run(ctx context.Context, p StartParams, src source.Source) (core.CompletedState, error) {
	h, err := e.StartRun(ctx, p, src)
	if err != nil {
		return core.CompletedState{}, err
	}
	return e.Wait(ctx, h)
}

// Wait blocks until h's consumption loop has exited and returns the state
// it completed with. If ctx is done first, ctx's error is returned and the
// run keeps going.
func (e *Engine) Wait(ctx context.Context, h *run.Handle) (core.CompletedState, error) {
	select {
	case <-h.Done():
	case <-ctx.Done():
		return core.CompletedState{}, ctx.Err()
	}
	st, ok := h.State().(core.CompletedState)
	if !ok {
		return core.CompletedState{}, fmt.Errorf("run %s did not complete", h.RunID())
	}
	return st, nil
}

// CancelRun cancels the running run on key with reason. The run completes
// with Cancelled{Reason: reason}. It reports whether a running run was
// found.
func (e *Engine) CancelRun(key core.ThreadKey, reason string) bool {
	h, ok := e.registry.GetHandle(key)
	if !ok || !core.IsRunning(h.State()) {
		return false
	}
	if reason == "" {
		reason = "cancelled"
	}
	h.Cancel(errors.New(reason))
	e.logger.Info("run.cancel", "key", key.String(), "run_id", h.RunID(), "reason", reason)
	return true
}

// ExecuteTool runs call against the current tool registry with the
// configured timeout. Failures and panics become error results; ExecuteTool
// never returns an error.
func (e *Engine) ExecuteTool(ctx context.Context, call tool.Call) core.ToolResult {
	return e.executeTool(ctx, e.Tools(), call, logging.FromContext(ctx))
}

func (e *Engine) executeTool(ctx context.Context, tools tool.Registry, call tool.Call, logger logging.Logger) core.ToolResult {
	if e.config.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.ToolTimeout)
		defer cancel()
	}
	ctx = logging.NewContext(ctx, logger)

	start := time.Now()
	content, err := safeExecute(ctx, tools, call)
	dur := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	e.metrics.ToolExecuted(call.Name, status, dur)
	logger.Debug("tool.call.end", "tool", call.Name, "fc_id", call.ID, "status", status, "duration_ms", dur.Milliseconds())

	res := core.ToolResult{CallID: call.ID, Name: call.Name, Content: content}
	if err != nil {
		res.Content = err.Error()
		res.IsError = true
	}
	return res
}

func safeExecute(ctx context.Context, tools tool.Registry, call tool.Call) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = tool.NewToolError(call.Name, fmt.Sprintf("panic: %v", r), tool.CodePanic)
		}
	}()
	return tools.Execute(ctx, call)
}

// Close cancels every run, closes the registry and waits for all
// consumption goroutines to exit. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.registry.Close()
	e.wg.Wait()
	e.logger.Info("engine.closed")
	return nil
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
