// Package processor folds protocol events into conversation state.
//
// Process is a pure function: it never mutates its inputs and never fails
// for a well-typed event. Text content and end events apply only when their
// message id equals the id of the message currently streaming; anything else
// is ignored so reordered or duplicated network events cannot corrupt a
// message.
package processor

import (
	"time"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/patch"
)

// Clock returns the timestamp stored on finalized messages.
type Clock func() time.Time

// Processor applies events with a configurable clock. The zero value uses
// time.Now.
type Processor struct {
	Now Clock
}

// Process applies ev with the default processor.
func Process(conv core.Conversation, st core.StreamingState, ev core.Event) (core.Conversation, core.StreamingState) {
	return Processor{}.Process(conv, st, ev)
}

// Process returns the conversation and streaming state after ev.
func (p Processor) Process(conv core.Conversation, st core.StreamingState, ev core.Event) (core.Conversation, core.StreamingState) {
	if st == nil {
		st = core.NotStreaming()
	}

	switch e := ev.(type) {
	case core.RunStartedEvent:
		return conv.WithStatus(core.Running{RunID: e.RunID}), core.NotStreaming()

	case core.RunFinishedEvent:
		return conv.WithStatus(core.Completed{}), core.NotStreaming()

	case core.RunErrorEvent:
		return conv.WithStatus(core.Failed{Error: e.Message}), core.NotStreaming()

	case core.TextMessageStartEvent:
		role := e.Role
		if role == "" {
			role = core.RoleAssistant
		}
		var thinking string
		if a, ok := st.(core.AwaitingText); ok {
			thinking = a.BufferedThinking
		}
		return conv, core.TextStreaming{MessageID: e.MessageID, Role: role, Thinking: thinking}

	case core.TextMessageContentEvent:
		s, ok := st.(core.TextStreaming)
		if !ok || s.MessageID != e.MessageID {
			return conv, st
		}
		s.Text += e.Delta
		return conv, s

	case core.TextMessageEndEvent:
		s, ok := st.(core.TextStreaming)
		if !ok || s.MessageID != e.MessageID {
			return conv, st
		}
		msg := core.Message{
			ID:        s.MessageID,
			Role:      s.Role,
			Text:      s.Text,
			Thinking:  s.Thinking,
			CreatedAt: p.now(),
		}
		return conv.WithMessage(msg), core.NotStreaming()

	case core.ThinkingStartEvent:
		if a, ok := st.(core.AwaitingText); ok {
			a.IsThinkingStreaming = true
			return conv, a
		}
		return conv, st

	case core.ThinkingContentEvent:
		if a, ok := st.(core.AwaitingText); ok && a.IsThinkingStreaming {
			a.BufferedThinking += e.Delta
			return conv, a
		}
		return conv, st

	case core.ThinkingEndEvent:
		if a, ok := st.(core.AwaitingText); ok {
			a.IsThinkingStreaming = false
			return conv, a
		}
		return conv, st

	case core.ToolCallStartEvent:
		conv = conv.WithToolCall(core.ToolCallInfo{
			ID:              e.ToolCallID,
			Name:            e.ToolCallName,
			ParentMessageID: e.ParentMessageID,
		})
		switch s := st.(type) {
		case core.AwaitingText:
			return conv, core.ToolCallActivity{}.With(e.ToolCallName)
		case core.ToolCallActivity:
			return conv, s.With(e.ToolCallName)
		case core.TextStreaming:
			return conv, s
		}
		return conv, st

	case core.ToolCallArgsEvent:
		return conv.WithToolCallArgs(e.ToolCallID, e.Delta), st

	case core.ToolCallEndEvent:
		tc, open := conv.ToolCall(e.ToolCallID)
		if !open {
			return conv, st
		}
		conv = conv.WithoutToolCall(e.ToolCallID)
		if a, ok := st.(core.ToolCallActivity); ok {
			if stillRunning(conv, tc.Name) {
				return conv, a
			}
			a = a.Without(tc.Name)
			if len(a.ToolNames) == 0 {
				return conv, core.NotStreaming()
			}
			return conv, a
		}
		return conv, st

	case core.StateSnapshotEvent:
		return conv.WithState(core.CloneState(e.Snapshot)), st

	case core.StateDeltaEvent:
		return conv.WithState(patch.Apply(conv.State, e.Delta)), st

	case core.CustomEvent:
		return conv, st

	case core.StepStartedEvent:
		return conv, st

	case core.StepFinishedEvent:
		return conv, st

	case core.MessagesSnapshotEvent:
		return conv, st

	case core.UnknownEvent:
		return conv, st
	}

	return conv, st
}

func (p Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

// stillRunning reports whether another open call uses the same tool.
func stillRunning(conv core.Conversation, name string) bool {
	for _, tc := range conv.ToolCalls {
		if tc.Name == name {
			return true
		}
	}
	return false
}
