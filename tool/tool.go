// Package tool implements the client side tool subsystem: an immutable
// registry mapping tool names to definitions and executors, and function
// tools with schema validated arguments.
package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/agentrun/internal/util"
)

// Error codes carried by ToolError.
const (
	CodeNotFound   = "TOOL_NOT_FOUND"
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodePanic      = "PANIC"
)

// ErrToolNotFound matches a ToolError reporting an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// Definition is the schema of a tool as advertised to the backend in the
// next run request.
type Definition struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

// Call is a tool call requested by the backend. Arguments holds the
// serialized JSON argument object.
type Call struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Executor runs a tool call and returns its serialized result. Retries and
// timeouts are the executor's responsibility.
type Executor func(ctx context.Context, call Call) (string, error)

// Tool bundles a definition with its executor.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, call Call) (string, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// Is reports whether target is ErrToolNotFound and e carries CodeNotFound.
func (e *ToolError) Is(target error) bool {
	return target == ErrToolNotFound && e.Code == CodeNotFound
}

// Unwrap exposes a wrapped error stored in Details.
func (e *ToolError) Unwrap() error {
	err, _ := e.Details.(error)
	return err
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
