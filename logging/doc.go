// Package logging provides the minimal Logger interface used by agentrun and
// adapters for log/slog and go.uber.org/zap.
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.SlogConfig{Level: logging.LogLevelInfo, Format: "json"})
//	eng := engine.New(func(o *engine.Options) { o.Logger = logger })
//
// Run scoped attributes are attached with logging.With; loggers travel to
// tool executors through logging.NewContext / logging.FromContext.
package logging
