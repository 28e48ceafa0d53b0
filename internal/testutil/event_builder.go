package testutil

import (
	"github.com/hupe1980/agentrun/core"
)

// EventScript builds an ordered protocol event stream.
//
// Example:
//
//	events := testutil.NewEventScript().
//	  RunStarted("r1").
//	  Text("m1", "Hello", " world").
//	  RunFinished().
//	  Build()
type EventScript struct {
	threadID string
	runID    string
	events   []core.Event
}

// NewEventScript creates an empty script for thread "thread-1".
func NewEventScript() *EventScript { return &EventScript{threadID: "thread-1"} }

// Thread sets the thread id carried by run events (chainable).
func (b *EventScript) Thread(id string) *EventScript { b.threadID = id; return b }

// Add appends arbitrary events (chainable).
func (b *EventScript) Add(evs ...core.Event) *EventScript {
	b.events = append(b.events, evs...)
	return b
}

// RunStarted appends a RUN_STARTED event (chainable).
func (b *EventScript) RunStarted(runID string) *EventScript {
	b.runID = runID
	return b.Add(core.RunStartedEvent{ThreadID: b.threadID, RunID: runID})
}

// RunFinished appends a RUN_FINISHED event for the last started run (chainable).
func (b *EventScript) RunFinished() *EventScript {
	return b.Add(core.RunFinishedEvent{ThreadID: b.threadID, RunID: b.runID})
}

// RunError appends a RUN_ERROR event (chainable).
func (b *EventScript) RunError(message string) *EventScript {
	return b.Add(core.RunErrorEvent{Message: message})
}

// Text appends a complete streamed assistant message: start, one content
// event per delta, end (chainable).
func (b *EventScript) Text(messageID string, deltas ...string) *EventScript {
	b.Add(core.TextMessageStartEvent{MessageID: messageID, Role: core.RoleAssistant})
	for _, d := range deltas {
		b.Add(core.TextMessageContentEvent{MessageID: messageID, Delta: d})
	}
	return b.Add(core.TextMessageEndEvent{MessageID: messageID})
}

// Thinking appends a complete reasoning block (chainable).
func (b *EventScript) Thinking(deltas ...string) *EventScript {
	b.Add(core.ThinkingStartEvent{})
	for _, d := range deltas {
		b.Add(core.ThinkingContentEvent{Delta: d})
	}
	return b.Add(core.ThinkingEndEvent{})
}

// ToolCall appends start, one args event and end for a tool call (chainable).
func (b *EventScript) ToolCall(id, name, args string) *EventScript {
	b.Add(core.ToolCallStartEvent{ToolCallID: id, ToolCallName: name})
	if args != "" {
		b.Add(core.ToolCallArgsEvent{ToolCallID: id, Delta: args})
	}
	return b.Add(core.ToolCallEndEvent{ToolCallID: id})
}

// Snapshot appends a STATE_SNAPSHOT event (chainable).
func (b *EventScript) Snapshot(state map[string]any) *EventScript {
	return b.Add(core.StateSnapshotEvent{Snapshot: state})
}

// Delta appends a STATE_DELTA event built from op/path/value triples
// (chainable).
func (b *EventScript) Delta(ops ...map[string]any) *EventScript {
	raw := make([]any, len(ops))
	for i, op := range ops {
		raw[i] = op
	}
	return b.Add(core.StateDeltaEvent{Delta: raw})
}

// Build returns a copy of the scripted events.
func (b *EventScript) Build() []core.Event {
	out := make([]core.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Op builds a decoded JSON-Patch operation.
func Op(op, path string, value any) map[string]any {
	return map[string]any{"op": op, "path": path, "value": value}
}

// QAEntry builds a qa_history entry with citations for the given chunk ids.
func QAEntry(question string, chunkIDs ...string) map[string]any {
	cites := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		cites[i] = map[string]any{"chunk_id": id, "content": "chunk " + id, "document_uri": "doc://" + id}
	}
	return map[string]any{"question": question, "answer": "answer to " + question, "citations": cites}
}
