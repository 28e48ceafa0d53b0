// Package metrics provides Prometheus instrumentation for the engine.
//
// A Metrics value implements engine.Metrics:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg, "agentrun")
//	eng := engine.New(func(o *engine.Options) { o.Metrics = m })
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/run"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	// RunsStarted counts runs that were registered.
	RunsStarted prometheus.Counter

	// RunsCompleted counts consumption loops that finished, by result
	// (success, failed, cancelled).
	RunsCompleted *prometheus.CounterVec

	// RunsActive tracks runs whose consumption loop has not finished.
	RunsActive prometheus.Gauge

	// RunDuration tracks run duration by result.
	RunDuration *prometheus.HistogramVec

	// StaleCompletions counts completions swallowed because their run had
	// been superseded or removed.
	StaleCompletions prometheus.Counter

	// ToolExecutions counts local tool executions by tool and status.
	ToolExecutions *prometheus.CounterVec

	// ToolDuration tracks local tool execution duration.
	ToolDuration *prometheus.HistogramVec

	// EventsProcessed counts protocol events folded, by event type.
	EventsProcessed *prometheus.CounterVec

	// Lifecycle counts lifecycle events observed on a run registry.
	Lifecycle *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total runs started",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total runs completed by result",
		}, []string{"result"}),
		RunsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Number of runs being consumed",
		}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Run duration in seconds",
			Buckets:   []float64{.1, .5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"result"}),
		StaleCompletions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_completions_total",
			Help:      "Completions ignored because the run was superseded or removed",
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Total local tool executions",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Local tool execution duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		EventsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Total protocol events processed by type",
		}, []string{"type"}),
		Lifecycle: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events published by the run registry",
		}, []string{"kind", "result"}),
	}
}

// RunStarted records a registered run.
func (m *Metrics) RunStarted() {
	m.RunsStarted.Inc()
	m.RunsActive.Inc()
}

// RunCompleted records a finished consumption loop.
func (m *Metrics) RunCompleted(result string, d time.Duration) {
	m.RunsActive.Dec()
	m.RunsCompleted.WithLabelValues(result).Inc()
	m.RunDuration.WithLabelValues(result).Observe(d.Seconds())
}

// StaleCompletion records a swallowed completion.
func (m *Metrics) StaleCompletion() { m.StaleCompletions.Inc() }

// ToolExecuted records a local tool execution.
func (m *Metrics) ToolExecuted(name, status string, d time.Duration) {
	m.ToolExecutions.WithLabelValues(name, status).Inc()
	m.ToolDuration.WithLabelValues(name).Observe(d.Seconds())
}

// EventProcessed records a folded protocol event.
func (m *Metrics) EventProcessed(eventType string) {
	m.EventsProcessed.WithLabelValues(eventType).Inc()
}

// Observe counts r's lifecycle events until the registry closes or the
// returned subscription is closed.
func (m *Metrics) Observe(r *run.Registry) *run.Subscription {
	return r.Observe(func(ev run.LifecycleEvent) {
		switch ev := ev.(type) {
		case run.StartedEvent:
			m.Lifecycle.WithLabelValues("started", "").Inc()
		case run.CompletedEvent:
			m.Lifecycle.WithLabelValues("completed", core.ResultName(ev.Result)).Inc()
		}
	})
}
