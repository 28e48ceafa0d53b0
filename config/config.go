// Package config loads agentrun settings from a YAML file and AGENTRUN_*
// environment variables. Environment variables override the file, which
// overrides Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the complete agentrun configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Engine   EngineConfig   `yaml:"engine"`
	Provider ProviderConfig `yaml:"provider"`
	NATS     NATSConfig     `yaml:"nats"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// LogConfig selects the logging backend.
type LogConfig struct {
	Level string `yaml:"level" env:"AGENTRUN_LOG_LEVEL"`
	// Format is "json" or "text".
	Format string `yaml:"format" env:"AGENTRUN_LOG_FORMAT"`
	// Backend is "slog" or "zap".
	Backend string `yaml:"backend" env:"AGENTRUN_LOG_BACKEND"`
}

// EngineConfig tunes run consumption.
type EngineConfig struct {
	// EventBufferSize is the event channel capacity of provider and replay
	// sources.
	EventBufferSize int           `yaml:"event_buffer_size" env:"AGENTRUN_EVENT_BUFFER_SIZE"`
	ToolTimeout     time.Duration `yaml:"tool_timeout" env:"AGENTRUN_TOOL_TIMEOUT"`
}

// ProviderConfig selects the model provider backing chat runs.
type ProviderConfig struct {
	// Name is "anthropic" or "openai".
	Name        string  `yaml:"name" env:"AGENTRUN_PROVIDER"`
	Model       string  `yaml:"model" env:"AGENTRUN_MODEL"`
	MaxTokens   int64   `yaml:"max_tokens" env:"AGENTRUN_MAX_TOKENS"`
	Temperature float64 `yaml:"temperature" env:"AGENTRUN_TEMPERATURE"`
	System      string  `yaml:"system" env:"AGENTRUN_SYSTEM_PROMPT"`
	APIKey      string  `yaml:"-" env:"AGENTRUN_API_KEY"`
	BaseURL     string  `yaml:"base_url" env:"AGENTRUN_BASE_URL"`
}

// NATSConfig enables lifecycle publishing when URL is set.
type NATSConfig struct {
	URL    string `yaml:"url" env:"AGENTRUN_NATS_URL"`
	Prefix string `yaml:"prefix" env:"AGENTRUN_NATS_PREFIX"`
}

// MetricsConfig configures Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"AGENTRUN_METRICS_ENABLED"`
	Namespace string `yaml:"namespace" env:"AGENTRUN_METRICS_NAMESPACE"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text", Backend: "slog"},
		Engine: EngineConfig{
			EventBufferSize: 64,
			ToolTimeout:     30 * time.Second,
		},
		Provider: ProviderConfig{
			Name:        "anthropic",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		NATS:    NATSConfig{Prefix: "agentrun.runs"},
		Metrics: MetricsConfig{Namespace: "agentrun"},
	}
}

// Load returns Default overridden by environment variables.
func Load() (Config, error) {
	cfg := Default()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFile returns Default overridden by the YAML file at path, then by
// environment variables. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported value %q", c.Log.Format))
	}
	switch c.Log.Backend {
	case "slog", "zap":
	default:
		errs = append(errs, fmt.Errorf("log.backend: unsupported value %q", c.Log.Backend))
	}
	if c.Engine.EventBufferSize < 0 {
		errs = append(errs, errors.New("engine.event_buffer_size: must not be negative"))
	}
	if c.Engine.ToolTimeout < 0 {
		errs = append(errs, errors.New("engine.tool_timeout: must not be negative"))
	}
	switch c.Provider.Name {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("provider.name: unsupported value %q", c.Provider.Name))
	}
	if c.Provider.MaxTokens < 0 {
		errs = append(errs, errors.New("provider.max_tokens: must not be negative"))
	}
	return errors.Join(errs...)
}
