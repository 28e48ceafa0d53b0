// Package openai provides a run source backed by the OpenAI Chat
// Completions streaming API. Content deltas become one assistant text
// message; tool call deltas are aggregated per index into tool call events.
package openai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/source"
	"github.com/hupe1980/agentrun/tool"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configures the OpenAI source.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	System              string
	APIKey              string
	BaseURL             string
	// RequestOptions are passed to the client verbatim.
	RequestOptions []option.RequestOption
	EventBuffer    int
}

// Source streams runs from the Chat Completions API.
type Source struct {
	client *openai.Client
	opts   Options
}

var _ source.Source = (*Source)(nil)

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		EventBuffer:         64,
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

	client := openai.NewClient(clientOpts...)
	return &Source{client: &client, opts: opts}
}

// NewFromClient creates a source from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Source {
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

		stream := s.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		agg := newAggregator(req)
		for stream.Next() {
			for _, ev := range agg.chunk(stream.Current()) {
				if !w.Emit(ev) {
					return
				}
			}
			if agg.done {
				return
			}
		}
		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.Fail(fmt.Errorf("openai stream: %w", err))
		}
	}()
	return events, errs
}

func (s *Source) buildParams(req source.Request) (openai.ChatCompletionNewParams, error) {
	messages := buildMessages(s.opts.System, req)
	if len(messages) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("openai: no messages to send")
	}
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               s.opts.Model,
		Temperature:         openai.Float(s.opts.Temperature),
		MaxCompletionTokens: openai.Int(s.opts.MaxCompletionTokens),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}
	return params, nil
}

func buildMessages(system string, req source.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	for _, m := range req.Messages {
		if m.Text == "" {
			continue
		}
		switch m.Role {
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Text))
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Text))
		default:
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}
	if len(req.ToolResults) > 0 {
		var b strings.Builder
		for _, r := range req.ToolResults {
			status := "result"
			if r.IsError {
				status = "error"
			}
			fmt.Fprintf(&b, "Tool %s (%s) %s: %s\n", r.Name, r.CallID, status, r.Content)
		}
		messages = append(messages, openai.UserMessage(strings.TrimRight(b.String(), "\n")))
	}
	if system != "" && len(messages) == 1 {
		return nil
	}
	return messages
}

func buildTools(defs []tool.Definition) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, len(defs))
	for i, def := range defs {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  def.Parameters,
			},
		}
	}
	return tools
}

type aggCall struct {
	id   string
	name string
}

// aggregator turns chat completion chunks into protocol events.
type aggregator struct {
	req       source.Request
	messageID string
	textOpen  bool
	calls     map[int64]*aggCall
	done      bool
}

func newAggregator(req source.Request) *aggregator {
	return &aggregator{req: req, calls: make(map[int64]*aggCall)}
}

func (a *aggregator) chunk(ck openai.ChatCompletionChunk) []core.Event {
	var out []core.Event
	if a.messageID == "" {
		a.messageID = ck.ID
		if a.messageID == "" {
			a.messageID = core.NewID()
		}
	}
	for _, ch := range ck.Choices {
		if ch.Index != 0 {
			continue
		}
		if ch.Delta.Content != "" {
			if !a.textOpen {
				a.textOpen = true
				out = append(out, core.TextMessageStartEvent{MessageID: a.messageID, Role: core.RoleAssistant})
			}
			out = append(out, core.TextMessageContentEvent{MessageID: a.messageID, Delta: ch.Delta.Content})
		}
		for _, tc := range ch.Delta.ToolCalls {
			call, ok := a.calls[tc.Index]
			if !ok {
				out = append(out, a.closeText()...)
				call = &aggCall{id: tc.ID, name: tc.Function.Name}
				if call.id == "" {
					call.id = core.NewID()
				}
				a.calls[tc.Index] = call
				out = append(out, core.ToolCallStartEvent{
					ToolCallID:      call.id,
					ToolCallName:    call.name,
					ParentMessageID: a.messageID,
				})
			}
			if tc.Function.Arguments != "" {
				out = append(out, core.ToolCallArgsEvent{ToolCallID: call.id, Delta: tc.Function.Arguments})
			}
		}
		if ch.FinishReason != "" {
			out = append(out, a.finish(ch.FinishReason)...)
		}
	}
	return out
}

func (a *aggregator) closeText() []core.Event {
	if !a.textOpen {
		return nil
	}
	a.textOpen = false
	return []core.Event{core.TextMessageEndEvent{MessageID: a.messageID}}
}

func (a *aggregator) finish(reason string) []core.Event {
	out := a.closeText()

	indices := make([]int64, 0, len(a.calls))
	for idx := range a.calls {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, idx := range indices {
		out = append(out, core.ToolCallEndEvent{ToolCallID: a.calls[idx].id})
	}
	a.calls = make(map[int64]*aggCall)

	a.done = true
	return append(out, core.RunFinishedEvent{
		ThreadID: a.req.ThreadID,
		RunID:    a.req.RunID,
		Result:   map[string]any{"finish_reason": reason},
	})
}
