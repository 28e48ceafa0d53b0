package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/internal/testutil"
	"github.com/hupe1980/agentrun/run"
	"github.com/hupe1980/agentrun/session"
	"github.com/hupe1980/agentrun/source"
	"github.com/hupe1980/agentrun/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = core.ThreadKey{RoomID: "room", ThreadID: "t1"}

type recordingMetrics struct {
	mu        sync.Mutex
	started   int
	completed map[string]int
	stale     int
	tools     map[string]int
	events    map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{completed: map[string]int{}, tools: map[string]int{}, events: map[string]int{}}
}

func (m *recordingMetrics) RunStarted() { m.mu.Lock(); m.started++; m.mu.Unlock() }
func (m *recordingMetrics) RunCompleted(result string, _ time.Duration) {
	m.mu.Lock()
	m.completed[result]++
	m.mu.Unlock()
}
func (m *recordingMetrics) StaleCompletion() { m.mu.Lock(); m.stale++; m.mu.Unlock() }
func (m *recordingMetrics) ToolExecuted(name, status string, _ time.Duration) {
	m.mu.Lock()
	m.tools[name+":"+status]++
	m.mu.Unlock()
}
func (m *recordingMetrics) EventProcessed(t string) { m.mu.Lock(); m.events[t]++; m.mu.Unlock() }

func (m *recordingMetrics) staleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

func newEngine(t *testing.T, optFns ...func(o *Options)) (*Engine, *recordingMetrics) {
	t.Helper()
	m := newRecordingMetrics()
	fns := append([]func(o *Options){func(o *Options) { o.Metrics = m }}, optFns...)
	e := New(fns...)
	t.Cleanup(func() { _ = e.Close() })
	return e, m
}

func wait(t *testing.T, e *Engine, h *run.Handle) core.CompletedState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := e.Wait(ctx, h)
	require.NoError(t, err)
	return st
}

func adder() *tool.FunctionTool {
	return tool.NewFunctionTool("add", "Add two numbers", map[string]any{
		"type": "object",
		"properties": map[string]any{
			"a": map[string]any{"type": "number"},
			"b": map[string]any{"type": "number"},
		},
		"required": []string{"a", "b"},
	}, func(_ context.Context, args map[string]any) (any, error) {
		return fmt.Sprint(args["a"].(float64) + args["b"].(float64)), nil
	})
}

// -------------------- completion --------------------

func TestEngine_ScriptedRunCompletesWithSuccess(t *testing.T) {
	e, m := newEngine(t)
	sub := e.Registry().Subscribe()

	script := testutil.NewEventScript().Thread("t1").RunStarted("r1").Text("m1", "Hello", " there").RunFinished().Build()
	h, err := e.StartRun(context.Background(), StartParams{
		Key:         key,
		RunID:       "r1",
		UserMessage: core.Message{ID: "u1", Text: "hi"},
	}, source.NewStatic(script...))
	require.NoError(t, err)

	final := wait(t, e, h)
	assert.Equal(t, core.Success{}, final.Result)
	require.Len(t, final.Conversation.Messages, 2)
	assert.Equal(t, core.RoleUser, final.Conversation.Messages[0].Role)
	assert.Equal(t, "Hello there", final.Conversation.Messages[1].Text)
	assert.Equal(t, core.Completed{}, final.Conversation.Status)

	assert.True(t, e.Registry().HasRun(key))
	assert.False(t, e.Registry().HasActiveRun(key))
	assert.Equal(t, final, e.Registry().GetRunState(key))

	stored, err := e.Store().Get(context.Background(), key)
	require.NoError(t, err)
	assert.Len(t, stored.Conversation.Messages, 2)

	assert.Equal(t, run.LifecycleEvent(run.StartedEvent{Key: key, RunID: "r1"}), <-sub.C())
	assert.Equal(t, run.LifecycleEvent(run.CompletedEvent{Key: key, RunID: "r1", Result: core.Success{}}), <-sub.C())

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.started)
	assert.Equal(t, 1, m.completed["success"])
	assert.Equal(t, 3, m.events[string(core.EventTextMessageContent)]+m.events[string(core.EventTextMessageStart)])
}

func TestEngine_NextRunStartsFromStoredThread(t *testing.T) {
	e, _ := newEngine(t)

	first := testutil.NewEventScript().RunStarted("r1").Text("m1", "one").RunFinished().Build()
	h, err := e.StartRun(context.Background(), StartParams{Key: key, UserMessage: core.Message{Text: "q1"}}, source.NewStatic(first...))
	require.NoError(t, err)
	wait(t, e, h)

	src := source.NewStatic(testutil.NewEventScript().RunStarted("r2").RunFinished().Build()...)
	h, err = e.StartRun(context.Background(), StartParams{Key: key, UserMessage: core.Message{Text: "q2"}}, src)
	require.NoError(t, err)
	final := wait(t, e, h)

	assert.Len(t, final.Conversation.Messages, 3)
	reqs := src.Requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Messages, 3)
	assert.Equal(t, "q2", reqs[0].Messages[2].Text)
}

func TestEngine_FailureOutcomes(t *testing.T) {
	boom := errors.New("connection reset")
	tests := []struct {
		name string
		src  source.Source
		want core.CompletionResult
	}{
		{
			name: "run error event",
			src:  source.NewStatic(testutil.NewEventScript().RunStarted("r1").RunError("model overloaded").Build()...),
			want: core.FailedResult{ErrorMessage: "model overloaded"},
		},
		{
			name: "stream error",
			src:  source.NewStatic(core.RunStartedEvent{RunID: "r1"}).WithError(boom),
			want: core.FailedResult{ErrorMessage: "connection reset"},
		},
		{
			name: "stream closed early",
			src:  source.NewStatic(core.RunStartedEvent{RunID: "r1"}),
			want: core.FailedResult{ErrorMessage: ErrStreamClosed.Error()},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, m := newEngine(t)
			h, err := e.StartRun(context.Background(), StartParams{Key: key}, tt.src)
			require.NoError(t, err)
			final := wait(t, e, h)
			assert.Equal(t, tt.want, final.Result)
			_, failed := final.Conversation.Status.(core.Failed)
			assert.True(t, failed)
			m.mu.Lock()
			assert.Equal(t, 1, m.completed["failed"])
			m.mu.Unlock()
		})
	}
}

func TestEngine_EventsBeforeStreamErrorAreFolded(t *testing.T) {
	e, _ := newEngine(t)
	script := testutil.NewEventScript().RunStarted("r1").Text("m1", "partial").Build()
	h, err := e.StartRun(context.Background(), StartParams{Key: key}, source.NewStatic(script...).WithError(errors.New("eof")))
	require.NoError(t, err)

	final := wait(t, e, h)
	assert.Equal(t, core.FailedResult{ErrorMessage: "eof"}, final.Result)
	require.Len(t, final.Conversation.Messages, 1)
	assert.Equal(t, "partial", final.Conversation.Messages[0].Text)
}

// -------------------- citations --------------------

func TestEngine_AttachesNewCitationsToUserMessage(t *testing.T) {
	e, _ := newEngine(t)
	baseline := testutil.NewConversationBuilder("t1").
		State(map[string]any{"qa_history": []any{testutil.QAEntry("old", "c0")}}).
		Build()
	require.NoError(t, e.Store().Save(context.Background(), &core.Thread{Key: key, Conversation: baseline}))

	script := testutil.NewEventScript().
		RunStarted("r1").
		Delta(testutil.Op("add", "/qa_history/-", testutil.QAEntry("new", "c1", "c2"))).
		Text("m1", "answer").
		RunFinished().
		Build()
	h, err := e.StartRun(context.Background(), StartParams{Key: key, UserMessage: core.Message{ID: "u1", Text: "new"}}, source.NewStatic(script...))
	require.NoError(t, err)

	final := wait(t, e, h)
	ms, ok := final.Conversation.MessageStates["u1"]
	require.True(t, ok)
	assert.Equal(t, "u1", ms.UserMessageID)
	require.Len(t, ms.SourceReferences, 2)
	assert.Equal(t, "c1", ms.SourceReferences[0].ChunkID)
	assert.Equal(t, "c2", ms.SourceReferences[1].ChunkID)
	assert.Len(t, final.Conversation.State["qa_history"], 2)
}

func TestEngine_NoCitationsWithoutNewEntries(t *testing.T) {
	e, _ := newEngine(t)
	script := testutil.NewEventScript().
		RunStarted("r1").
		Snapshot(map[string]any{"qa_history": []any{}}).
		RunFinished().
		Build()
	h, err := e.StartRun(context.Background(), StartParams{Key: key, UserMessage: core.Message{ID: "u1", Text: "q"}}, source.NewStatic(script...))
	require.NoError(t, err)
	final := wait(t, e, h)
	assert.Empty(t, final.Conversation.MessageStates)
}

// -------------------- tools --------------------

func TestEngine_ExecutesLocalToolOnCallEnd(t *testing.T) {
	e, m := newEngine(t, func(o *Options) { o.Tools = tool.NewRegistry().RegisterTool(adder()) })

	script := testutil.NewEventScript().
		RunStarted("r1").
		ToolCall("c1", "add", `{"a":1,"b":2}`).
		ToolCall("c2", "remote_search", `{"q":"x"}`).
		RunFinished().
		Build()
	src := source.NewStatic(script...)
	h, err := e.StartRun(context.Background(), StartParams{Key: key}, src)
	require.NoError(t, err)
	wait(t, e, h)

	assert.Equal(t, []core.ToolResult{{CallID: "c1", Name: "add", Content: "3"}}, h.ToolResults())
	require.Len(t, src.Requests()[0].Tools, 1)
	assert.Equal(t, "add", src.Requests()[0].Tools[0].Name)

	next := source.NewStatic(testutil.NewEventScript().RunStarted("r2").RunFinished().Build()...)
	h2, err := e.StartRun(context.Background(), StartParams{Key: key}, next)
	require.NoError(t, err)
	wait(t, e, h2)
	assert.Equal(t, h.ToolResults(), next.Requests()[0].ToolResults, "results are sent with the next run")

	m.mu.Lock()
	assert.Equal(t, 1, m.tools["add:success"])
	m.mu.Unlock()
}

func TestEngine_ToolFailuresBecomeErrorResults(t *testing.T) {
	panicky := tool.NewFunctionTool("explode", "", nil, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	e, _ := newEngine(t, func(o *Options) {
		o.Tools = tool.NewRegistry().RegisterTool(adder()).RegisterTool(panicky)
	})

	script := testutil.NewEventScript().
		RunStarted("r1").
		ToolCall("c1", "add", `{"a":"x"}`).
		ToolCall("c2", "explode", `{}`).
		RunFinished().
		Build()
	h, err := e.StartRun(context.Background(), StartParams{Key: key}, source.NewStatic(script...))
	require.NoError(t, err)
	final := wait(t, e, h)

	assert.Equal(t, core.Success{}, final.Result, "tool failures never fail the run")
	res := h.ToolResults()
	require.Len(t, res, 2)
	assert.True(t, res[0].IsError)
	assert.Contains(t, res[0].Content, tool.CodeValidation)
	assert.True(t, res[1].IsError)
	assert.Contains(t, res[1].Content, tool.CodePanic)
}

func TestEngine_ExecuteTool(t *testing.T) {
	e, _ := newEngine(t)
	e.RegisterTool(adder())

	res := e.ExecuteTool(context.Background(), tool.Call{ID: "c1", Name: "add", Arguments: `{"a":2,"b":2}`})
	assert.Equal(t, core.ToolResult{CallID: "c1", Name: "add", Content: "4"}, res)

	res = e.ExecuteTool(context.Background(), tool.Call{ID: "c2", Name: "missing"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, tool.CodeNotFound)
}

func TestEngine_ToolTimeout(t *testing.T) {
	slow := tool.NewFunctionTool("slow", "", nil, func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e, _ := newEngine(t, func(o *Options) { o.Config.ToolTimeout = 10 * time.Millisecond })
	e.RegisterTool(slow)

	res := e.ExecuteTool(context.Background(), tool.Call{ID: "c1", Name: "slow", Arguments: `{}`})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "deadline exceeded")
}

// -------------------- cancellation --------------------

func TestEngine_CancelRun(t *testing.T) {
	e, m := newEngine(t)
	script := testutil.NewEventScript().RunStarted("r1").Add(core.TextMessageStartEvent{MessageID: "m1"}).Build()
	h, err := e.StartRun(context.Background(), StartParams{Key: key}, source.NewStatic(script...).Holding())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, ok := h.State().(core.RunningState)
		return ok && st.Streaming != core.NotStreaming()
	}, time.Second, 5*time.Millisecond)

	assert.True(t, e.CancelRun(key, "user stop"))
	final := wait(t, e, h)
	assert.Equal(t, core.Cancelled{Reason: "user stop"}, final.Result)
	assert.Equal(t, core.Idle{}, final.Conversation.Status)

	assert.False(t, e.CancelRun(key, "again"), "completed runs cannot be cancelled")
	assert.False(t, e.CancelRun(core.ThreadKey{RoomID: "x", ThreadID: "y"}, "none"))

	m.mu.Lock()
	assert.Equal(t, 1, m.completed["cancelled"])
	m.mu.Unlock()
}

func TestEngine_SupersededRunCompletionIsStale(t *testing.T) {
	var mu sync.Mutex
	var stale []string
	cb := NewCallbackManager()
	cb.RegisterCallback(NewFunctionCallback(CallbackRunComplete, func(_ context.Context, cc *CallbackContext) error {
		if cc.Stale {
			mu.Lock()
			stale = append(stale, cc.Handle.RunID())
			mu.Unlock()
		}
		return nil
	}))
	e, m := newEngine(t, func(o *Options) { o.Callbacks = cb })
	sub := e.Registry().Subscribe()

	a, err := e.StartRun(context.Background(), StartParams{Key: key, RunID: "a"}, source.NewStatic(core.RunStartedEvent{RunID: "a"}).Holding())
	require.NoError(t, err)

	b, err := e.StartRun(context.Background(), StartParams{Key: key, RunID: "b"}, source.NewStatic(core.RunStartedEvent{RunID: "b"}).Holding())
	require.NoError(t, err)

	cur, ok := e.Registry().GetHandle(key)
	require.True(t, ok)
	assert.Same(t, b, cur)
	assert.True(t, a.Cancelled())

	finalA := wait(t, e, a)
	assert.Equal(t, core.Cancelled{Reason: run.ErrSuperseded.Error()}, finalA.Result)
	assert.Equal(t, 1, m.staleCount())
	assert.True(t, e.Registry().HasActiveRun(key), "stale completion leaves the new run active")
	assert.Equal(t, 1, e.Registry().ActiveRunCount())

	assert.True(t, e.CancelRun(key, "done"))
	wait(t, e, b)

	mu.Lock()
	assert.Equal(t, []string{"a"}, stale)
	mu.Unlock()

	require.NoError(t, e.Close())
	var got []run.LifecycleEvent
	for ev := range sub.C() {
		got = append(got, ev)
	}
	assert.Equal(t, []run.LifecycleEvent{
		run.StartedEvent{Key: key, RunID: "a"},
		run.StartedEvent{Key: key, RunID: "b"},
		run.CompletedEvent{Key: key, RunID: "b", Result: core.Cancelled{Reason: "done"}},
	}, got)
}

// gatedStore holds the first Save until release is closed.
type gatedStore struct {
	core.ThreadStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Save(ctx context.Context, th *core.Thread) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.ThreadStore.Save(ctx, th)
}

func TestEngine_SuccessorSaveWinsOverSlowSave(t *testing.T) {
	store := &gatedStore{
		ThreadStore: session.NewInMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	bFolded := make(chan struct{})
	cb := NewCallbackManager()
	cb.RegisterCallback(NewFunctionCallback(CallbackAfterEvent, func(_ context.Context, cc *CallbackContext) error {
		if cc.Handle.RunID() == "b" && cc.Event.Type() == core.EventRunFinished {
			close(bFolded)
		}
		return nil
	}))
	e, _ := newEngine(t, func(o *Options) {
		o.Store = store
		o.Callbacks = cb
	})

	scriptA := testutil.NewEventScript().RunStarted("a").Text("ma", "from a").RunFinished().Build()
	a, err := e.StartRun(context.Background(), StartParams{Key: key, RunID: "a"}, source.NewStatic(scriptA...))
	require.NoError(t, err)

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("run a never reached the store")
	}

	scriptB := testutil.NewEventScript().RunStarted("b").Text("mb", "from b").RunFinished().Build()
	b, err := e.StartRun(context.Background(), StartParams{Key: key, RunID: "b"}, source.NewStatic(scriptB...))
	require.NoError(t, err)

	select {
	case <-bFolded:
	case <-time.After(2 * time.Second):
		t.Fatal("run b never finished its stream")
	}
	time.Sleep(20 * time.Millisecond)
	close(store.release)

	wait(t, e, a)
	wait(t, e, b)

	th, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	msgs := th.Conversation.Messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, "from b", msgs[len(msgs)-1].Text)
}

func TestEngine_CloseCancelsRunsAndRejectsNewOnes(t *testing.T) {
	e, _ := newEngine(t)
	h, err := e.StartRun(context.Background(), StartParams{Key: key}, source.NewStatic().Holding())
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	select {
	case <-h.Done():
	default:
		t.Fatal("Close must wait for consumption loops")
	}
	final, ok := h.State().(core.CompletedState)
	require.True(t, ok)
	assert.Equal(t, core.Cancelled{Reason: run.ErrRegistryClosed.Error()}, final.Result)

	_, err = e.StartRun(context.Background(), StartParams{Key: key}, source.NewStatic())
	assert.ErrorIs(t, err, run.ErrRegistryClosed)
}

// -------------------- callbacks --------------------

func TestEngine_BeforeEventCallbackErrorFailsRun(t *testing.T) {
	cb := NewCallbackManager()
	cb.RegisterCallback(NewFunctionCallback(CallbackBeforeEvent, func(_ context.Context, cc *CallbackContext) error {
		if _, ok := cc.Event.(core.TextMessageStartEvent); ok {
			return errors.New("text not allowed")
		}
		return nil
	}))
	e, _ := newEngine(t, func(o *Options) { o.Callbacks = cb })

	script := testutil.NewEventScript().RunStarted("r1").Text("m1", "x").RunFinished().Build()
	h, err := e.StartRun(context.Background(), StartParams{Key: key}, source.NewStatic(script...))
	require.NoError(t, err)

	final := wait(t, e, h)
	failed, ok := final.Result.(core.FailedResult)
	require.True(t, ok)
	assert.Contains(t, failed.ErrorMessage, "text not allowed")
}

func TestEngine_StateValidationCallback(t *testing.T) {
	cb := NewCallbackManager()
	cb.RegisterCallback(NewStateValidationCallback(func(state map[string]any) error {
		if _, ok := state["forbidden"]; ok {
			return errors.New("forbidden key")
		}
		return nil
	}))
	e, _ := newEngine(t, func(o *Options) { o.Callbacks = cb })

	script := testutil.NewEventScript().
		RunStarted("r1").
		Snapshot(map[string]any{"ok": true}).
		Delta(testutil.Op("add", "/forbidden", 1)).
		RunFinished().
		Build()
	h, err := e.StartRun(context.Background(), StartParams{Key: key}, source.NewStatic(script...))
	require.NoError(t, err)

	final := wait(t, e, h)
	assert.IsType(t, core.FailedResult{}, final.Result)
}

func TestEngine_BeforeToolCallbackRejectsCall(t *testing.T) {
	cb := NewCallbackManager()
	cb.RegisterCallback(NewFunctionCallback(CallbackBeforeTool, func(_ context.Context, cc *CallbackContext) error {
		return fmt.Errorf("%s is disabled", cc.ToolCall.Name)
	}))
	var after []core.ToolResult
	cb.RegisterCallback(NewFunctionCallback(CallbackAfterTool, func(_ context.Context, cc *CallbackContext) error {
		after = append(after, *cc.ToolResult)
		return nil
	}))
	e, m := newEngine(t, func(o *Options) {
		o.Callbacks = cb
		o.Tools = tool.NewRegistry().RegisterTool(adder())
	})

	script := testutil.NewEventScript().RunStarted("r1").ToolCall("c1", "add", `{"a":1,"b":1}`).RunFinished().Build()
	h, err := e.StartRun(context.Background(), StartParams{Key: key}, source.NewStatic(script...))
	require.NoError(t, err)
	wait(t, e, h)

	res := h.ToolResults()
	require.Len(t, res, 1)
	assert.True(t, res[0].IsError)
	assert.Contains(t, res[0].Content, "add is disabled")
	assert.Equal(t, res, after)

	m.mu.Lock()
	assert.Empty(t, m.tools)
	m.mu.Unlock()
}

func TestCallbackManager_StopsAtFirstError(t *testing.T) {
	cm := NewCallbackManager()
	var calls []string
	cm.RegisterCallback(NewFunctionCallback(CallbackAfterEvent, func(context.Context, *CallbackContext) error {
		calls = append(calls, "first")
		return errors.New("stop")
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackAfterEvent, func(context.Context, *CallbackContext) error {
		calls = append(calls, "second")
		return nil
	}))
	cm.RegisterCallback(NewLoggingCallback(CallbackBeforeEvent, nil))

	cc := &CallbackContext{}
	err := cm.ExecuteCallbacks(context.Background(), CallbackAfterEvent, cc)
	require.Error(t, err)
	assert.Equal(t, []string{"first"}, calls)
	assert.Equal(t, CallbackAfterEvent, cc.CallbackType)

	assert.True(t, cm.Has(CallbackBeforeEvent))
	assert.False(t, cm.Has(CallbackRunComplete))
	assert.NoError(t, cm.ExecuteCallbacks(context.Background(), CallbackBeforeEvent, &CallbackContext{Event: core.RunStartedEvent{}}))
	assert.NoError(t, cm.ExecuteCallbacks(context.Background(), CallbackRunComplete, &CallbackContext{}))
}
