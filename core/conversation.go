package core

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message is a finalized conversation entry.
type Message struct {
	ID        string    `json:"id" yaml:"id"`
	Role      string    `json:"role" yaml:"role"`
	Text      string    `json:"text" yaml:"text"`
	Thinking  string    `json:"thinking,omitempty" yaml:"thinking,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ToolCallInfo is an open tool call as reported by the backend.
type ToolCallInfo struct {
	ID              string `json:"id" yaml:"id"`
	Name            string `json:"name" yaml:"name"`
	Arguments       string `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	ParentMessageID string `json:"parent_message_id,omitempty" yaml:"parent_message_id,omitempty"`
}

// ToolResult is the outcome of a locally executed tool call. It is sent
// back to the backend with the next run request.
type ToolResult struct {
	CallID  string `json:"call_id" yaml:"call_id"`
	Name    string `json:"name" yaml:"name"`
	Content string `json:"content" yaml:"content"`
	IsError bool   `json:"is_error,omitempty" yaml:"is_error,omitempty"`
}

// CitationRef is a citation record from the agent state, attached to the
// answer for a user message.
type CitationRef struct {
	ChunkID       string   `json:"chunk_id" yaml:"chunk_id"`
	Content       string   `json:"content,omitempty" yaml:"content,omitempty"`
	DocumentID    string   `json:"document_id,omitempty" yaml:"document_id,omitempty"`
	DocumentURI   string   `json:"document_uri,omitempty" yaml:"document_uri,omitempty"`
	DocumentTitle string   `json:"document_title,omitempty" yaml:"document_title,omitempty"`
	Headings      []string `json:"headings,omitempty" yaml:"headings,omitempty"`
	PageNumbers   []int    `json:"page_numbers,omitempty" yaml:"page_numbers,omitempty"`
}

// MessageState holds data derived for one user message during its run.
type MessageState struct {
	UserMessageID    string        `json:"user_message_id" yaml:"user_message_id"`
	SourceReferences []CitationRef `json:"source_references" yaml:"source_references"`
}

// Conversation is the accumulated result of the runs on a thread. It is a
// value: the With* methods return a modified copy and never touch the
// receiver's slices or maps.
type Conversation struct {
	ThreadID      string                  `json:"thread_id" yaml:"thread_id"`
	Messages      []Message               `json:"messages" yaml:"messages"`
	ToolCalls     []ToolCallInfo          `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	Status        ConversationStatus      `json:"-" yaml:"-"`
	State         map[string]any          `json:"state,omitempty" yaml:"state,omitempty"`
	MessageStates map[string]MessageState `json:"message_states,omitempty" yaml:"message_states,omitempty"`
}

// NewConversation returns an idle conversation for a thread.
func NewConversation(threadID string) Conversation {
	return Conversation{ThreadID: threadID, Status: Idle{}}
}

// WithStatus returns a copy with the given status.
func (c Conversation) WithStatus(s ConversationStatus) Conversation {
	c.Status = s
	return c
}

// WithMessage returns a copy with m appended.
func (c Conversation) WithMessage(m Message) Conversation {
	msgs := make([]Message, len(c.Messages), len(c.Messages)+1)
	copy(msgs, c.Messages)
	c.Messages = append(msgs, m)
	return c
}

// WithToolCall returns a copy with tc appended to the open tool calls.
func (c Conversation) WithToolCall(tc ToolCallInfo) Conversation {
	calls := make([]ToolCallInfo, len(c.ToolCalls), len(c.ToolCalls)+1)
	copy(calls, c.ToolCalls)
	c.ToolCalls = append(calls, tc)
	return c
}

// WithToolCallArgs returns a copy where delta is appended to the arguments
// of the open call id. The receiver is returned unchanged if id is not open.
func (c Conversation) WithToolCallArgs(id, delta string) Conversation {
	i := c.toolCallIndex(id)
	if i < 0 {
		return c
	}
	calls := make([]ToolCallInfo, len(c.ToolCalls))
	copy(calls, c.ToolCalls)
	calls[i].Arguments += delta
	c.ToolCalls = calls
	return c
}

// WithoutToolCall returns a copy without the open call id.
func (c Conversation) WithoutToolCall(id string) Conversation {
	i := c.toolCallIndex(id)
	if i < 0 {
		return c
	}
	calls := make([]ToolCallInfo, 0, len(c.ToolCalls)-1)
	calls = append(calls, c.ToolCalls[:i]...)
	c.ToolCalls = append(calls, c.ToolCalls[i+1:]...)
	return c
}

// ToolCall returns the open tool call with the given id.
func (c Conversation) ToolCall(id string) (ToolCallInfo, bool) {
	i := c.toolCallIndex(id)
	if i < 0 {
		return ToolCallInfo{}, false
	}
	return c.ToolCalls[i], true
}

func (c Conversation) toolCallIndex(id string) int {
	for i, tc := range c.ToolCalls {
		if tc.ID == id {
			return i
		}
	}
	return -1
}

// WithState returns a copy with the state tree replaced. The tree is stored
// as given; callers pass trees they no longer mutate.
func (c Conversation) WithState(state map[string]any) Conversation {
	c.State = state
	return c
}

// WithMessageState returns a copy with ms stored under its user message id.
func (c Conversation) WithMessageState(ms MessageState) Conversation {
	states := make(map[string]MessageState, len(c.MessageStates)+1)
	for k, v := range c.MessageStates {
		states[k] = v
	}
	states[ms.UserMessageID] = ms
	c.MessageStates = states
	return c
}

// LastMessage returns the most recent finalized message.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// ConversationStatus is the run status of a conversation: Idle, Running,
// Completed or Failed.
type ConversationStatus interface{ isConversationStatus() }

// Idle means no run has started.
type Idle struct{}

// Running means the run with RunID is in progress.
type Running struct{ RunID string }

// Completed means the last run finished successfully.
type Completed struct{}

// Failed means the last run ended with a backend error.
type Failed struct{ Error string }

func (Idle) isConversationStatus()      {}
func (Running) isConversationStatus()   {}
func (Completed) isConversationStatus() {}
func (Failed) isConversationStatus()    {}

// StatusName returns a stable lowercase name for s.
func StatusName(s ConversationStatus) string {
	switch s.(type) {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Idle, nil:
		return "idle"
	}
	return "unknown"
}
