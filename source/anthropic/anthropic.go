// Package anthropic provides a run source backed by the Anthropic Messages
// streaming API. Each run is one streamed message; text, thinking and
// tool_use content blocks are translated into protocol events.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/source"
	"github.com/hupe1980/agentrun/tool"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "claude-sonnet-4-5"

// Options configures the Anthropic source (model id, sampling, max tokens,
// API key). Extend via functional options to preserve stability.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	// ThinkingBudget enables extended thinking when at least 1024.
	ThinkingBudget int64
	System         string
	APIKey         string
	BaseURL        string
	// RequestOptions are passed to the client verbatim.
	RequestOptions []option.RequestOption
	EventBuffer    int
}

// Source streams runs from the Anthropic Messages API.
type Source struct {
	client *anthropic.Client
	opts   Options
}

var _ source.Source = (*Source)(nil)

func defaultOptions() Options {
	return Options{
		Model:       DefaultModel,
		Temperature: 0.7,
		MaxTokens:   4096,
		EventBuffer: 64,
	}
}

// New creates a source with its own client.
func New(optFns ...func(o *Options)) *Source {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	clientOpts = append(clientOpts, opts.RequestOptions...)

	client := anthropic.NewClient(clientOpts...)
	return &Source{client: &client, opts: opts}
}

// NewFromClient creates a source from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Source {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Source{client: client, opts: opts}
}

// Model returns the configured model id.
func (s *Source) Model() string { return s.opts.Model }

// Stream implements source.Source.
func (s *Source) Stream(ctx context.Context, req source.Request) (<-chan core.Event, <-chan error) {
	w, events, errs := source.Pipe(ctx, s.opts.EventBuffer)
	go func() {
		defer w.Close()

		params, err := s.buildParams(req)
		if err != nil {
			w.Fail(err)
			return
		}
		if !w.Emit(core.RunStartedEvent{ThreadID: req.ThreadID, RunID: req.RunID}) {
			return
		}

		stream := s.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		t := newTranslator(req)
		for stream.Next() {
			for _, ev := range t.translate(stream.Current()) {
				if !w.Emit(ev) {
					return
				}
			}
			if t.done {
				return
			}
		}
		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Fail(fmt.Errorf("anthropic stream: %w", err))
		}
	}()
	return events, errs
}

func (s *Source) buildParams(req source.Request) (anthropic.MessageNewParams, error) {
	messages := buildMessages(req)
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic: no messages to send")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.opts.Model),
		Messages:  messages,
		MaxTokens: s.opts.MaxTokens,
	}
	if s.opts.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: s.opts.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	if s.opts.ThinkingBudget >= 1024 {
		// Sampling parameters are rejected while thinking is enabled.
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(s.opts.ThinkingBudget)
	} else {
		params.Temperature = anthropic.Float(s.opts.Temperature)
	}
	return params, nil
}

// buildMessages converts the conversation to Anthropic messages. Tool
// results from the previous run are appended as a trailing user turn.
func buildMessages(req source.Request) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		if m.Text == "" {
			continue
		}
		switch m.Role {
		case core.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Text)))
		case core.RoleSystem:
			continue
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Text)))
		}
	}
	if text := renderToolResults(req.ToolResults); text != "" {
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
	}
	return messages
}

func renderToolResults(results []core.ToolResult) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		status := "result"
		if r.IsError {
			status = "error"
		}
		fmt.Fprintf(&b, "Tool %s (%s) %s: %s\n", r.Name, r.CallID, status, r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// buildTools converts tool definitions to Anthropic tool params.
func buildTools(defs []tool.Definition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(defs))
	for i, def := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if props, ok := def.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := def.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}

		tools[i] = anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" && tools[i].OfTool != nil {
			tools[i].OfTool.Description = anthropic.String(def.Description)
		}
	}
	return tools
}

type blockKind int

const (
	blockText blockKind = iota + 1
	blockThinking
	blockToolUse
)

type block struct {
	kind blockKind
	id   string
}

// translator turns one streamed message into protocol events.
type translator struct {
	req        source.Request
	messageID  string
	lastTextID string
	stopReason string
	blocks     map[int64]block
	done       bool
}

func newTranslator(req source.Request) *translator {
	return &translator{req: req, blocks: make(map[int64]block)}
}

func (t *translator) blockID(index int64) string {
	if t.messageID == "" {
		return core.NewID()
	}
	return fmt.Sprintf("%s_%d", t.messageID, index)
}

func (t *translator) translate(event anthropic.MessageStreamEventUnion) []core.Event {
	switch event.Type {
	case "message_start":
		t.messageID = event.AsMessageStart().Message.ID

	case "content_block_start":
		start := event.AsContentBlockStart()
		switch start.ContentBlock.Type {
		case "text":
			id := t.blockID(start.Index)
			t.blocks[start.Index] = block{kind: blockText, id: id}
			t.lastTextID = id
			return []core.Event{core.TextMessageStartEvent{MessageID: id, Role: core.RoleAssistant}}
		case "thinking":
			t.blocks[start.Index] = block{kind: blockThinking}
			return []core.Event{core.ThinkingStartEvent{}}
		case "tool_use":
			use := start.ContentBlock.AsToolUse()
			t.blocks[start.Index] = block{kind: blockToolUse, id: use.ID}
			return []core.Event{core.ToolCallStartEvent{
				ToolCallID:      use.ID,
				ToolCallName:    use.Name,
				ParentMessageID: t.lastTextID,
			}}
		}

	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		b := t.blocks[delta.Index]
		switch delta.Delta.Type {
		case "text_delta":
			if b.kind == blockText && delta.Delta.Text != "" {
				return []core.Event{core.TextMessageContentEvent{MessageID: b.id, Delta: delta.Delta.Text}}
			}
		case "thinking_delta":
			if b.kind == blockThinking && delta.Delta.Thinking != "" {
				return []core.Event{core.ThinkingContentEvent{Delta: delta.Delta.Thinking}}
			}
		case "input_json_delta":
			if b.kind == blockToolUse && delta.Delta.PartialJSON != "" {
				return []core.Event{core.ToolCallArgsEvent{ToolCallID: b.id, Delta: delta.Delta.PartialJSON}}
			}
		}

	case "content_block_stop":
		stop := event.AsContentBlockStop()
		b, ok := t.blocks[stop.Index]
		if !ok {
			return nil
		}
		delete(t.blocks, stop.Index)
		switch b.kind {
		case blockText:
			return []core.Event{core.TextMessageEndEvent{MessageID: b.id}}
		case blockThinking:
			return []core.Event{core.ThinkingEndEvent{}}
		case blockToolUse:
			return []core.Event{core.ToolCallEndEvent{ToolCallID: b.id}}
		}

	case "message_delta":
		if reason := event.AsMessageDelta().Delta.StopReason; reason != "" {
			t.stopReason = string(reason)
		}

	case "message_stop":
		t.done = true
		result := map[string]any{"message_id": t.messageID}
		if t.stopReason != "" {
			result["stop_reason"] = t.stopReason
		}
		return []core.Event{core.RunFinishedEvent{ThreadID: t.req.ThreadID, RunID: t.req.RunID, Result: result}}
	}
	return nil
}
