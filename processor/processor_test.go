package processor

import (
	"testing"
	"time"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fold(conv core.Conversation, st core.StreamingState, evs []core.Event) (core.Conversation, core.StreamingState) {
	for _, ev := range evs {
		conv, st = Process(conv, st, ev)
	}
	return conv, st
}

// -------------------- run status --------------------

func TestProcess_RunLifecycle(t *testing.T) {
	conv := core.NewConversation("t1")

	conv, st := Process(conv, core.TextStreaming{MessageID: "m0"}, core.RunStartedEvent{RunID: "r1"})
	assert.Equal(t, core.Running{RunID: "r1"}, conv.Status)
	assert.Equal(t, core.NotStreaming(), st)

	done, st := Process(conv, core.TextStreaming{MessageID: "m0"}, core.RunFinishedEvent{})
	assert.Equal(t, core.Completed{}, done.Status)
	assert.Equal(t, core.NotStreaming(), st)

	failed, st := Process(conv, core.NotStreaming(), core.RunErrorEvent{Message: "boom", Code: "E"})
	assert.Equal(t, core.Failed{Error: "boom"}, failed.Status)
	assert.Equal(t, core.NotStreaming(), st)
}

// -------------------- text streaming --------------------

func TestProcess_TextMessageProducesOneMessage(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := Processor{Now: func() time.Time { return now }}

	conv, st := core.NewConversation("t1"), core.NotStreaming()
	for _, ev := range testutil.NewEventScript().Text("m1", "Hello", " world").Build() {
		conv, st = p.Process(conv, st, ev)
	}

	require.Len(t, conv.Messages, 1)
	assert.Equal(t, core.Message{ID: "m1", Role: core.RoleAssistant, Text: "Hello world", CreatedAt: now}, conv.Messages[0])
	assert.Equal(t, core.NotStreaming(), st)
}

func TestProcess_MismatchedContentIsIgnored(t *testing.T) {
	conv := core.NewConversation("t1")
	st := core.StreamingState(core.TextStreaming{MessageID: "m1", Role: core.RoleAssistant, Text: "Hello"})

	for _, id := range []string{"m2", "m", "m11", ""} {
		var next core.StreamingState
		_, next = Process(conv, st, core.TextMessageContentEvent{MessageID: id, Delta: "XXX"})
		assert.Equal(t, st, next, id)
	}
}

func TestProcess_MismatchedEndIsIgnored(t *testing.T) {
	conv := core.NewConversation("t1")
	st := core.StreamingState(core.TextStreaming{MessageID: "m1", Text: "Hello"})

	nextConv, nextSt := Process(conv, st, core.TextMessageEndEvent{MessageID: "other"})
	assert.Equal(t, st, nextSt)
	assert.Empty(t, nextConv.Messages)
}

func TestProcess_ContentWithoutStreamingIsIgnored(t *testing.T) {
	conv, st := fold(core.NewConversation("t1"), core.NotStreaming(), []core.Event{
		core.TextMessageContentEvent{MessageID: "m1", Delta: "late"},
		core.TextMessageEndEvent{MessageID: "m1"},
	})
	assert.Empty(t, conv.Messages)
	assert.Equal(t, core.NotStreaming(), st)
}

func TestProcess_DuplicateEndAfterFinalizeIsIgnored(t *testing.T) {
	evs := testutil.NewEventScript().Text("m1", "a").Build()
	evs = append(evs, core.TextMessageContentEvent{MessageID: "m1", Delta: "b"}, core.TextMessageEndEvent{MessageID: "m1"})

	conv, _ := fold(core.NewConversation("t1"), nil, evs)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "a", conv.Messages[0].Text)
}

func TestProcess_StartDiscardsPriorStreaming(t *testing.T) {
	conv, st := fold(core.NewConversation("t1"), nil, []core.Event{
		core.TextMessageStartEvent{MessageID: "m1"},
		core.TextMessageContentEvent{MessageID: "m1", Delta: "lost"},
		core.TextMessageStartEvent{MessageID: "m2"},
		core.TextMessageContentEvent{MessageID: "m2", Delta: "kept"},
	})
	assert.Empty(t, conv.Messages)
	assert.Equal(t, core.TextStreaming{MessageID: "m2", Role: core.RoleAssistant, Text: "kept"}, st)
}

func TestProcess_InputsAreNotMutated(t *testing.T) {
	base := testutil.NewConversationBuilder("t1").User("u1", "hi").Build()
	next, _ := fold(base, nil, testutil.NewEventScript().Text("m1", "x").Build())

	assert.Len(t, base.Messages, 1)
	assert.Len(t, next.Messages, 2)
}

// -------------------- thinking --------------------

func TestProcess_ThinkingIsCarriedIntoMessage(t *testing.T) {
	evs := testutil.NewEventScript().Thinking("let me ", "think").Text("m1", "answer").Build()
	conv, st := fold(core.NewConversation("t1"), nil, evs)

	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "let me think", conv.Messages[0].Thinking)
	assert.Equal(t, "answer", conv.Messages[0].Text)
	assert.Equal(t, core.NotStreaming(), st)
}

func TestProcess_ThinkingStateFlags(t *testing.T) {
	_, st := Process(core.Conversation{}, nil, core.ThinkingStartEvent{})
	assert.Equal(t, core.AwaitingText{IsThinkingStreaming: true}, st)

	_, st = Process(core.Conversation{}, st, core.ThinkingContentEvent{Delta: "x"})
	assert.Equal(t, core.AwaitingText{BufferedThinking: "x", IsThinkingStreaming: true}, st)

	_, st = Process(core.Conversation{}, st, core.ThinkingEndEvent{})
	assert.Equal(t, core.AwaitingText{BufferedThinking: "x"}, st)

	// Content outside an active thinking block is dropped.
	_, st = Process(core.Conversation{}, st, core.ThinkingContentEvent{Delta: "y"})
	assert.Equal(t, core.AwaitingText{BufferedThinking: "x"}, st)
}

// -------------------- tool calls --------------------

func TestProcess_ToolCallsTrackOpenSetAndActivity(t *testing.T) {
	conv, st := fold(core.NewConversation("t1"), nil, []core.Event{
		core.ToolCallStartEvent{ToolCallID: "c1", ToolCallName: "search"},
		core.ToolCallArgsEvent{ToolCallID: "c1", Delta: `{"q":`},
		core.ToolCallArgsEvent{ToolCallID: "c1", Delta: `"go"}`},
		core.ToolCallStartEvent{ToolCallID: "c2", ToolCallName: "fetch"},
	})
	require.Len(t, conv.ToolCalls, 2)
	assert.Equal(t, `{"q":"go"}`, conv.ToolCalls[0].Arguments)
	activity, ok := st.(core.ToolCallActivity)
	require.True(t, ok)
	assert.Equal(t, []string{"fetch", "search"}, activity.Names())

	conv, st = Process(conv, st, core.ToolCallEndEvent{ToolCallID: "c1"})
	require.Len(t, conv.ToolCalls, 1)
	assert.Equal(t, []string{"fetch"}, st.(core.ToolCallActivity).Names())

	conv, st = Process(conv, st, core.ToolCallEndEvent{ToolCallID: "c2"})
	assert.Empty(t, conv.ToolCalls)
	assert.Equal(t, core.NotStreaming(), st)
}

func TestProcess_ToolCallEndForUnknownIDIsNoOp(t *testing.T) {
	conv := testutil.NewConversationBuilder("t1").OpenToolCall("c1", "search").Build()
	st := core.StreamingState(core.ToolCallActivity{}.With("search"))

	next, nextSt := Process(conv, st, core.ToolCallEndEvent{ToolCallID: "nope"})
	assert.Equal(t, conv.ToolCalls, next.ToolCalls)
	assert.Equal(t, st, nextSt)
}

func TestProcess_SameToolTwiceStaysActiveUntilBothEnd(t *testing.T) {
	conv, st := fold(core.NewConversation("t1"), nil, []core.Event{
		core.ToolCallStartEvent{ToolCallID: "c1", ToolCallName: "search"},
		core.ToolCallStartEvent{ToolCallID: "c2", ToolCallName: "search"},
		core.ToolCallEndEvent{ToolCallID: "c1"},
	})
	assert.Len(t, conv.ToolCalls, 1)
	assert.Equal(t, []string{"search"}, st.(core.ToolCallActivity).Names())
}

func TestProcess_ToolCallDuringTextKeepsStreaming(t *testing.T) {
	st := core.StreamingState(core.TextStreaming{MessageID: "m1", Text: "x"})
	conv, next := Process(core.NewConversation("t1"), st, core.ToolCallStartEvent{ToolCallID: "c1", ToolCallName: "search"})
	assert.Len(t, conv.ToolCalls, 1)
	assert.Equal(t, st, next)
}

// -------------------- state --------------------

func TestProcess_SnapshotAndDelta(t *testing.T) {
	snap := map[string]any{"qa_history": []any{}}
	conv, st := fold(core.NewConversation("t1"), nil, []core.Event{
		core.StateSnapshotEvent{Snapshot: snap},
		core.StateDeltaEvent{Delta: []any{testutil.Op("add", "/qa_history/-", testutil.QAEntry("q1", "c1"))}},
	})
	assert.Equal(t, core.NotStreaming(), st)
	require.Len(t, conv.State["qa_history"], 1)
	assert.Empty(t, snap["qa_history"], "snapshot passed in the event must not change")
}

// -------------------- pass-through --------------------

func TestProcess_PassThroughEvents(t *testing.T) {
	conv := testutil.NewConversationBuilder("t1").User("u1", "hi").Build()
	st := core.StreamingState(core.TextStreaming{MessageID: "m1", Text: "x"})

	for _, ev := range []core.Event{
		core.CustomEvent{Name: "n", Value: 1},
		core.StepStartedEvent{StepName: "s"},
		core.StepFinishedEvent{StepName: "s"},
		core.MessagesSnapshotEvent{},
		core.UnknownEvent{EventType: "NEW"},
	} {
		nextConv, nextSt := Process(conv, st, ev)
		assert.Equal(t, conv, nextConv, ev.Type())
		assert.Equal(t, st, nextSt, ev.Type())
	}
}
