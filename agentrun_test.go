package agentrun

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentrun/config"
	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/metrics"
	"github.com/hupe1980/agentrun/source"
	"github.com/hupe1980/agentrun/source/anthropic"
	"github.com/hupe1980/agentrun/source/openai"
	"github.com/hupe1980/agentrun/tool"
)

var key = core.ThreadKey{RoomID: "room", ThreadID: "t1"}

func script(text string) *source.Static {
	return source.NewStatic(
		core.RunStartedEvent{RunID: "r"},
		core.TextMessageStartEvent{MessageID: "m", Role: core.RoleAssistant},
		core.TextMessageContentEvent{MessageID: "m", Delta: text},
		core.TextMessageEndEvent{MessageID: "m"},
		core.RunFinishedEvent{},
	)
}

func TestAgentRun_RunWithDefaultSource(t *testing.T) {
	a := New(func(o *Options) { o.Source = script("hello") })
	t.Cleanup(func() { _ = a.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	final, err := a.Run(ctx, key, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, core.Success{}, final.Result)
	require.Len(t, final.Conversation.Messages, 2)
	assert.Equal(t, "hi", final.Conversation.Messages[0].Text)
	assert.Equal(t, "hello", final.Conversation.Messages[1].Text)
}

func TestAgentRun_StartWithoutSource(t *testing.T) {
	a := New()
	t.Cleanup(func() { _ = a.Close() })

	_, err := a.Start(context.Background(), key, "hi", nil)
	require.Error(t, err)
}

func TestAgentRun_CancelAndTools(t *testing.T) {
	a := New()
	t.Cleanup(func() { _ = a.Close() })
	a.RegisterTool(tool.NewFunctionTool("noop", "", nil, func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	}))
	assert.True(t, a.Engine().Tools().Has("noop"))

	sub := a.Subscribe()
	h, err := a.Start(context.Background(), key, "hi", source.NewStatic(core.RunStartedEvent{RunID: "r"}).Holding())
	require.NoError(t, err)
	<-sub.C()

	assert.True(t, a.Cancel(key, "stop"))
	<-h.Done()
	final := h.State().(core.CompletedState)
	assert.Equal(t, core.Cancelled{Reason: "stop"}, final.Result)
	assert.False(t, a.Registry().HasActiveRun(key))
}

func TestFromConfig_WiresMetricsAndSource(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Namespace = "facade"
	reg := prometheus.NewRegistry()

	a, err := FromConfig(cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	assert.IsType(t, &anthropic.Source{}, a.opts.Source)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = a.Run(ctx, key, "hi", script("ok"))
	require.NoError(t, err)

	m, ok := a.opts.Metrics.(*metrics.Metrics)
	require.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsCompleted.WithLabelValues("success")))
}

func TestFromConfig_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Provider.Name = "unknown"
	_, err := FromConfig(cfg, prometheus.NewRegistry())
	require.Error(t, err)
}

func TestNewSource(t *testing.T) {
	src := NewSource(config.ProviderConfig{Name: "openai", Model: "gpt-4o", APIKey: "k"}, 0)
	oa, ok := src.(*openai.Source)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", oa.Model())

	src = NewSource(config.ProviderConfig{Name: "anthropic", APIKey: "k"}, 0)
	an, ok := src.(*anthropic.Source)
	require.True(t, ok)
	assert.Equal(t, anthropic.DefaultModel, an.Model())
}

func TestNewSource_EventBuffer(t *testing.T) {
	// A cancelled context stops the stream before any request is sent.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, name := range []string{"openai", "anthropic"} {
		t.Run(name, func(t *testing.T) {
			src := NewSource(config.ProviderConfig{Name: name, APIKey: "k"}, 7)
			events, errs := src.Stream(ctx, source.Request{RunID: "r", Messages: []core.Message{
				{ID: "u", Role: core.RoleUser, Text: "hi"},
			}})
			assert.Equal(t, 7, cap(events))
			for range events {
			}
			for range errs {
			}

			events, errs = NewSource(config.ProviderConfig{Name: name, APIKey: "k"}, 0).Stream(ctx, source.Request{})
			assert.Equal(t, 64, cap(events))
			for range events {
			}
			for range errs {
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	l, closer, err := NewLogger(config.LogConfig{Level: "debug", Format: "json", Backend: "zap"})
	require.NoError(t, err)
	require.NotNil(t, closer)
	l.Debug("test.zap")

	l, closer, err = NewLogger(config.LogConfig{Level: "info", Format: "text", Backend: "slog"})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.NotNil(t, l)
}
