package core

import (
	"github.com/google/uuid"
)

// EventType is the wire discriminator of a protocol event.
type EventType string

const (
	EventRunStarted         EventType = "RUN_STARTED"
	EventRunFinished        EventType = "RUN_FINISHED"
	EventRunError           EventType = "RUN_ERROR"
	EventStepStarted        EventType = "STEP_STARTED"
	EventStepFinished       EventType = "STEP_FINISHED"
	EventTextMessageStart   EventType = "TEXT_MESSAGE_START"
	EventTextMessageContent EventType = "TEXT_MESSAGE_CONTENT"
	EventTextMessageEnd     EventType = "TEXT_MESSAGE_END"
	EventThinkingStart      EventType = "THINKING_TEXT_MESSAGE_START"
	EventThinkingContent    EventType = "THINKING_TEXT_MESSAGE_CONTENT"
	EventThinkingEnd        EventType = "THINKING_TEXT_MESSAGE_END"
	EventToolCallStart      EventType = "TOOL_CALL_START"
	EventToolCallArgs       EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd        EventType = "TOOL_CALL_END"
	EventStateSnapshot      EventType = "STATE_SNAPSHOT"
	EventStateDelta         EventType = "STATE_DELTA"
	EventMessagesSnapshot   EventType = "MESSAGES_SNAPSHOT"
	EventCustom             EventType = "CUSTOM"
)

// Event is one typed protocol event delivered by the transport. The set of
// implementations is closed; each concrete type implements the unexported
// isEvent marker.
type Event interface {
	Type() EventType
	isEvent()
}

// RunStartedEvent opens a run on a thread.
type RunStartedEvent struct {
	ThreadID string `json:"threadId,omitempty"`
	RunID    string `json:"runId"`
}

// RunFinishedEvent closes a run successfully.
type RunFinishedEvent struct {
	ThreadID string `json:"threadId,omitempty"`
	RunID    string `json:"runId,omitempty"`
	Result   any    `json:"result,omitempty"`
}

// RunErrorEvent terminates a run with a backend error.
type RunErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// StepStartedEvent marks the start of a named backend step.
type StepStartedEvent struct {
	StepName string `json:"stepName"`
}

// StepFinishedEvent marks the end of a named backend step.
type StepFinishedEvent struct {
	StepName string `json:"stepName"`
}

// TextMessageStartEvent begins streaming an assistant message.
type TextMessageStartEvent struct {
	MessageID string `json:"messageId"`
	Role      string `json:"role,omitempty"`
}

// TextMessageContentEvent carries a text delta for a streaming message.
type TextMessageContentEvent struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// TextMessageEndEvent finalizes a streaming message.
type TextMessageEndEvent struct {
	MessageID string `json:"messageId"`
}

// ThinkingStartEvent begins a block of model reasoning text.
type ThinkingStartEvent struct{}

// ThinkingContentEvent carries a reasoning text delta.
type ThinkingContentEvent struct {
	Delta string `json:"delta"`
}

// ThinkingEndEvent ends a block of model reasoning text.
type ThinkingEndEvent struct{}

// ToolCallStartEvent opens a tool call.
type ToolCallStartEvent struct {
	ToolCallID      string `json:"toolCallId"`
	ToolCallName    string `json:"toolCallName"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// ToolCallArgsEvent carries a fragment of serialized tool arguments.
type ToolCallArgsEvent struct {
	ToolCallID string `json:"toolCallId"`
	Delta      string `json:"delta"`
}

// ToolCallEndEvent closes a tool call.
type ToolCallEndEvent struct {
	ToolCallID string `json:"toolCallId"`
}

// StateSnapshotEvent replaces the agent state tree.
type StateSnapshotEvent struct {
	Snapshot map[string]any `json:"snapshot"`
}

// StateDeltaEvent carries JSON-Patch operations against the agent state tree.
// Operations are kept in their decoded form so malformed entries can be
// skipped individually by the patch applier.
type StateDeltaEvent struct {
	Delta []any `json:"delta"`
}

// MessagesSnapshotEvent carries the backend's view of the message list.
type MessagesSnapshotEvent struct {
	Messages []any `json:"messages"`
}

// CustomEvent is an application defined event.
type CustomEvent struct {
	Name  string `json:"name"`
	Value any    `json:"value,omitempty"`
}

// UnknownEvent wraps a wire event whose type this package does not know.
type UnknownEvent struct {
	EventType string `json:"type"`
	Raw       []byte `json:"-"`
}

func (RunStartedEvent) Type() EventType         { return EventRunStarted }
func (RunFinishedEvent) Type() EventType        { return EventRunFinished }
func (RunErrorEvent) Type() EventType           { return EventRunError }
func (StepStartedEvent) Type() EventType        { return EventStepStarted }
func (StepFinishedEvent) Type() EventType       { return EventStepFinished }
func (TextMessageStartEvent) Type() EventType   { return EventTextMessageStart }
func (TextMessageContentEvent) Type() EventType { return EventTextMessageContent }
func (TextMessageEndEvent) Type() EventType     { return EventTextMessageEnd }
func (ThinkingStartEvent) Type() EventType      { return EventThinkingStart }
func (ThinkingContentEvent) Type() EventType    { return EventThinkingContent }
func (ThinkingEndEvent) Type() EventType        { return EventThinkingEnd }
func (ToolCallStartEvent) Type() EventType      { return EventToolCallStart }
func (ToolCallArgsEvent) Type() EventType       { return EventToolCallArgs }
func (ToolCallEndEvent) Type() EventType        { return EventToolCallEnd }
func (StateSnapshotEvent) Type() EventType      { return EventStateSnapshot }
func (StateDeltaEvent) Type() EventType         { return EventStateDelta }
func (MessagesSnapshotEvent) Type() EventType   { return EventMessagesSnapshot }
func (CustomEvent) Type() EventType             { return EventCustom }
func (e UnknownEvent) Type() EventType          { return EventType(e.EventType) }

func (RunStartedEvent) isEvent()         {}
func (RunFinishedEvent) isEvent()        {}
func (RunErrorEvent) isEvent()           {}
func (StepStartedEvent) isEvent()        {}
func (StepFinishedEvent) isEvent()       {}
func (TextMessageStartEvent) isEvent()   {}
func (TextMessageContentEvent) isEvent() {}
func (TextMessageEndEvent) isEvent()     {}
func (ThinkingStartEvent) isEvent()      {}
func (ThinkingContentEvent) isEvent()    {}
func (ThinkingEndEvent) isEvent()        {}
func (ToolCallStartEvent) isEvent()      {}
func (ToolCallArgsEvent) isEvent()       {}
func (ToolCallEndEvent) isEvent()        {}
func (StateSnapshotEvent) isEvent()      {}
func (StateDeltaEvent) isEvent()         {}
func (MessagesSnapshotEvent) isEvent()   {}
func (CustomEvent) isEvent()             {}
func (UnknownEvent) isEvent()            {}

// IsTerminal reports whether the event ends a run.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case RunFinishedEvent, RunErrorEvent:
		return true
	}
	return false
}

// NewID generates a new unique identifier for runs and messages.
func NewID() string { return uuid.NewString() }
