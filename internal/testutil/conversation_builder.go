package testutil

import (
	"github.com/hupe1980/agentrun/core"
)

// ConversationBuilder provides a fluent helper for constructing
// conversations in tests.
type ConversationBuilder struct {
	conv core.Conversation
}

// NewConversationBuilder starts an idle conversation for threadID.
func NewConversationBuilder(threadID string) *ConversationBuilder {
	return &ConversationBuilder{conv: core.NewConversation(threadID)}
}

// User appends a user message (chainable).
func (b *ConversationBuilder) User(id, text string) *ConversationBuilder {
	b.conv = b.conv.WithMessage(core.Message{ID: id, Role: core.RoleUser, Text: text})
	return b
}

// Assistant appends an assistant message (chainable).
func (b *ConversationBuilder) Assistant(id, text string) *ConversationBuilder {
	b.conv = b.conv.WithMessage(core.Message{ID: id, Role: core.RoleAssistant, Text: text})
	return b
}

// OpenToolCall appends an open tool call (chainable).
func (b *ConversationBuilder) OpenToolCall(id, name string) *ConversationBuilder {
	b.conv = b.conv.WithToolCall(core.ToolCallInfo{ID: id, Name: name})
	return b
}

// State sets the state tree (chainable).
func (b *ConversationBuilder) State(state map[string]any) *ConversationBuilder {
	b.conv = b.conv.WithState(state)
	return b
}

// Status sets the status (chainable).
func (b *ConversationBuilder) Status(s core.ConversationStatus) *ConversationBuilder {
	b.conv = b.conv.WithStatus(s)
	return b
}

// Build returns the conversation.
func (b *ConversationBuilder) Build() core.Conversation { return b.conv }
