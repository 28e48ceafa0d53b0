// Package agentrun provides a high-level façade over the run engine and its
// supporting services (thread store, tools, logging, metrics and lifecycle
// publishing). Most applications interact with this package by:
//  1. Creating an AgentRun via New() or FromConfig()
//  2. Registering client-side tools
//  3. Starting runs asynchronously (Start) or synchronously (Run)
//
// The façade delegates orchestration to engine.Engine while keeping setup
// concise. All defaults are safe for local development and testing.
package agentrun

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/agentrun/config"
	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/engine"
	"github.com/hupe1980/agentrun/logging"
	"github.com/hupe1980/agentrun/metrics"
	"github.com/hupe1980/agentrun/natsbridge"
	"github.com/hupe1980/agentrun/run"
	"github.com/hupe1980/agentrun/session"
	"github.com/hupe1980/agentrun/source"
	"github.com/hupe1980/agentrun/source/anthropic"
	"github.com/hupe1980/agentrun/source/openai"
	"github.com/hupe1980/agentrun/tool"
)

// Options configures the AgentRun instance.
type Options struct {
	// EngineConfig tunes event buffering and tool timeouts.
	EngineConfig engine.Config

	// Store keeps the latest conversation per thread (defaults to in-memory).
	Store core.ThreadStore

	// Tools are executed locally when the model calls them.
	Tools tool.Registry

	// Callbacks hook into event processing, tool execution and completion.
	Callbacks *engine.CallbackManager

	// Metrics receives engine measurements (defaults to none).
	Metrics engine.Metrics

	// Source is used by Start and Run when no source is passed explicitly.
	Source source.Source

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// AgentRun is the high-level façade aggregating the engine and services.
type AgentRun struct {
	opts    Options
	engine  *engine.Engine
	closers []io.Closer
}

// New creates a new AgentRun with optional overrides.
func New(optFns ...func(o *Options)) *AgentRun {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Store:        session.NewInMemoryStore(),
		Tools:        tool.NewRegistry(),
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Store = opts.Store
		o.Tools = opts.Tools
		o.Callbacks = opts.Callbacks
		o.Metrics = opts.Metrics
		o.Logger = opts.Logger
	})

	return &AgentRun{opts: opts, engine: e}
}

// FromConfig builds an AgentRun from cfg: the logger, the provider source,
// Prometheus metrics registered with reg when enabled, and NATS lifecycle
// publishing when a NATS URL is set. optFns are applied last.
func FromConfig(cfg config.Config, reg prometheus.Registerer, optFns ...func(o *Options)) (*AgentRun, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, syncer, err := NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(reg, cfg.Metrics.Namespace)
	}

	fns := []func(o *Options){func(o *Options) {
		o.Logger = logger
		o.EngineConfig = engine.Config{
			ToolTimeout: cfg.Engine.ToolTimeout,
		}
		o.Source = NewSource(cfg.Provider, cfg.Engine.EventBufferSize)
		if m != nil {
			o.Metrics = m
		}
	}}
	a := New(append(fns, optFns...)...)
	if syncer != nil {
		a.closers = append(a.closers, syncer)
	}

	if m != nil {
		a.closers = append(a.closers, m.Observe(a.engine.Registry()))
	}

	if cfg.NATS.URL != "" {
		nc, err := natsbridge.Connect(cfg.NATS.URL, "agentrun", logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		bridge := natsbridge.New(nc, func(o *natsbridge.Options) {
			o.Prefix = cfg.NATS.Prefix
			o.Logger = logger
		})
		a.closers = append(a.closers, bridge.Attach(a.engine.Registry()), closerFunc(nc.Close))
	}

	return a, nil
}

// NewLogger builds the configured logger. The returned closer flushes a zap
// logger and is nil for slog.
func NewLogger(cfg config.LogConfig) (logging.Logger, io.Closer, error) {
	if cfg.Backend == "zap" {
		encoding := "console"
		if cfg.Format == "json" {
			encoding = "json"
		}
		zl, err := logging.NewZapLogger(logging.ZapConfig{Level: cfg.Level, Encoding: encoding})
		if err != nil {
			return nil, nil, fmt.Errorf("create zap logger: %w", err)
		}
		return zl, closerFunc(func() { _ = zl.Sync() }), nil
	}
	return logging.NewSlogLogger(logging.SlogConfig{
		Level:     logging.ParseLevel(cfg.Level),
		Format:    cfg.Format,
		Component: "agentrun",
	}), nil, nil
}

// NewSource creates the provider source selected by cfg.Name. A positive
// eventBuffer sets the capacity of the source's event channel.
func NewSource(cfg config.ProviderConfig, eventBuffer int) source.Source {
	if cfg.Name == "openai" {
		return openai.New(func(o *openai.Options) {
			if eventBuffer > 0 {
				o.EventBuffer = eventBuffer
			}
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
			o.Temperature = cfg.Temperature
			o.System = cfg.System
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
		})
	}
	return anthropic.New(func(o *anthropic.Options) {
		if eventBuffer > 0 {
			o.EventBuffer = eventBuffer
		}
		if cfg.Model != "" {
			o.Model = cfg.Model
		}
		if cfg.MaxTokens > 0 {
			o.MaxTokens = cfg.MaxTokens
		}
		o.Temperature = cfg.Temperature
		o.System = cfg.System
		o.APIKey = cfg.APIKey
		o.BaseURL = cfg.BaseURL
	})
}

// Engine returns the underlying engine.
func (a *AgentRun) Engine() *engine.Engine { return a.engine }

// Registry returns the run registry.
func (a *AgentRun) Registry() *run.Registry { return a.engine.Registry() }

// RegisterTool adds a client-side tool.
func (a *AgentRun) RegisterTool(t tool.Tool) { a.engine.RegisterTool(t) }

// Start begins a run on key for userText. A nil src uses Options.Source.
func (a *AgentRun) Start(ctx context.Context, key core.ThreadKey, userText string, src source.Source) (*run.Handle, error) {
	if src == nil {
		src = a.opts.Source
	}
	if src == nil {
		return nil, errors.New("agentrun: no event source configured")
	}
	return a.engine.StartRun(ctx, engine.StartParams{
		Key:         key,
		UserMessage: core.Message{Role: core.RoleUser, Text: userText},
	}, src)
}

// Run starts a run and waits for it to complete.
func (a *AgentRun) Run(ctx context.Context, key core.ThreadKey, userText string, src source.Source) (core.CompletedState, error) {
	h, err := a.Start(ctx, key, userText, src)
	if err != nil {
		return core.CompletedState{}, err
	}
	return a.engine.Wait(ctx, h)
}

// Cancel cancels the running run on key.
func (a *AgentRun) Cancel(key core.ThreadKey, reason string) bool {
	return a.engine.CancelRun(key, reason)
}

// Subscribe returns a lifecycle subscription.
func (a *AgentRun) Subscribe() *run.Subscription { return a.engine.Registry().Subscribe() }

// Close cancels all runs, waits for them and releases the configured
// services in reverse order.
func (a *AgentRun) Close() error {
	err := a.engine.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i].Close())
	}
	a.closers = nil
	return err
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
