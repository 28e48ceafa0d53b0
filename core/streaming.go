package core

import "sort"

// StreamingState is transient accumulation that is not yet part of
// Conversation.Messages. Implementations: AwaitingText, TextStreaming and
// ToolCallActivity.
type StreamingState interface{ isStreamingState() }

// AwaitingText is the not-streaming state. It may hold reasoning text that
// arrived before the assistant message it belongs to.
type AwaitingText struct {
	BufferedThinking    string
	IsThinkingStreaming bool
}

// TextStreaming is an in-progress assistant message keyed by the id the
// finalized message will carry.
type TextStreaming struct {
	MessageID string
	Role      string
	Text      string
	Thinking  string
}

// ToolCallActivity names the tools the backend is currently executing.
type ToolCallActivity struct {
	ToolNames map[string]struct{}
}

func (AwaitingText) isStreamingState()     {}
func (TextStreaming) isStreamingState()    {}
func (ToolCallActivity) isStreamingState() {}

// NotStreaming is the reset value of StreamingState.
func NotStreaming() StreamingState { return AwaitingText{} }

// With returns a copy of the activity that includes name.
func (a ToolCallActivity) With(name string) ToolCallActivity {
	names := make(map[string]struct{}, len(a.ToolNames)+1)
	for n := range a.ToolNames {
		names[n] = struct{}{}
	}
	names[name] = struct{}{}
	return ToolCallActivity{ToolNames: names}
}

// Without returns a copy of the activity that excludes name.
func (a ToolCallActivity) Without(name string) ToolCallActivity {
	names := make(map[string]struct{}, len(a.ToolNames))
	for n := range a.ToolNames {
		if n != name {
			names[n] = struct{}{}
		}
	}
	return ToolCallActivity{ToolNames: names}
}

// Names returns the active tool names sorted.
func (a ToolCallActivity) Names() []string {
	names := make([]string, 0, len(a.ToolNames))
	for n := range a.ToolNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
