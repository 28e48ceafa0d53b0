package tool

import (
	"context"
)

type entry struct {
	def  Definition
	exec Executor
}

// Registry maps tool names to definitions and executors. It is a value:
// Register returns a new Registry and never changes the receiver, so a
// registry can be shared across run setups without aliasing. The zero value
// is an empty registry.
type Registry struct {
	entries map[string]entry
	order   []string
}

// NewRegistry returns an empty registry.
func NewRegistry() Registry { return Registry{} }

// Register returns a registry that also contains def. A tool registered
// under an existing name replaces the earlier entry and keeps its position.
func (r Registry) Register(def Definition, exec Executor) Registry {
	entries := make(map[string]entry, len(r.entries)+1)
	for k, v := range r.entries {
		entries[k] = v
	}
	order := make([]string, len(r.order), len(r.order)+1)
	copy(order, r.order)
	if _, exists := entries[def.Name]; !exists {
		order = append(order, def.Name)
	}
	entries[def.Name] = entry{def: def, exec: exec}
	return Registry{entries: entries, order: order}
}

// RegisterTool returns a registry that also contains t.
func (r Registry) RegisterTool(t Tool) Registry {
	return r.Register(t.Definition(), t.Execute)
}

// Execute runs call with the executor registered for call.Name. The
// executor's result and error are returned unchanged. An unregistered name
// yields a ToolError matching ErrToolNotFound.
func (r Registry) Execute(ctx context.Context, call Call) (string, error) {
	e, ok := r.entries[call.Name]
	if !ok || e.exec == nil {
		return "", NewToolError(call.Name, "no executor registered", CodeNotFound)
	}
	return e.exec(ctx, call)
}

// Definitions returns the registered tool schemas in registration order.
func (r Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].def)
	}
	return defs
}

// Has reports whether a tool is registered under name.
func (r Registry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// Len returns the number of registered tools.
func (r Registry) Len() int { return len(r.order) }
