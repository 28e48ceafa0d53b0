package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/agentrun/internal/util"
	"github.com/hupe1980/agentrun/logging"
)

// Func is the implementation behind a FunctionTool. args have already been
// decoded and validated against the tool's schema.
type Func func(ctx context.Context, args map[string]any) (any, error)

// FunctionTool exposes a plain Go function as a tool.
//
// Failures are normalized to *ToolError:
//
//	VALIDATION_ERROR -> arguments are not an object or do not match the schema
//	EXECUTION_ERROR  -> fn returned an error that is not a *ToolError
//
// A *ToolError returned by fn is forwarded unchanged. A string result is
// returned as is; any other result is JSON encoded.
//
// A FunctionTool has no mutable state and is safe for concurrent use.
type FunctionTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          Func
}

// NewFunctionTool constructs a FunctionTool from explicit schema and function.
//
// Example:
//
//	sum := tool.NewFunctionTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
//	tools := tool.NewRegistry().RegisterTool(sum)
func NewFunctionTool(name, description string, parameters map[string]any, fn Func) *FunctionTool {
	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return &FunctionTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFunctionToolFromStruct derives the parameter schema from a struct using
// its json, description and enum tags.
func NewFunctionToolFromStruct(name, description string, structType any, fn Func) *FunctionTool {
	return NewFunctionTool(name, description, util.CreateSchema(structType), fn)
}

// Definition returns the tool schema.
func (t *FunctionTool) Definition() Definition {
	return Definition{Name: t.name, Description: t.description, Parameters: t.parameters}
}

// Execute decodes and validates call.Arguments, then invokes the function.
// The logger is taken from ctx (see logging.NewContext).
func (t *FunctionTool) Execute(ctx context.Context, call Call) (string, error) {
	logger := logging.FromContext(ctx)
	start := time.Now()

	logger.Debug("tool.call.start", "tool", t.name, "fc_id", call.ID)

	args, err := util.DecodeArguments(call.Arguments)
	if err == nil {
		err = util.ValidateParameters(args, t.parameters)
	}
	if err != nil {
		logger.Warn("tool.call.validation_failed", "tool", t.name, "fc_id", call.ID, "error", err.Error())

		return "", &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}

	result, err := t.fn(ctx, args)
	if err != nil {
		toolErr, ok := err.(*ToolError)
		if !ok {
			toolErr = &ToolError{Tool: t.name, Message: err.Error(), Code: CodeExecution, Details: err}
		}
		logging.LogToolCall(logger, t.name, call.ID, time.Since(start), toolErr)

		return "", toolErr
	}

	out, err := encodeResult(result)
	if err != nil {
		return "", &ToolError{Tool: t.name, Message: err.Error(), Code: CodeExecution, Details: err}
	}

	logging.LogToolCall(logger, t.name, call.ID, time.Since(start), nil)

	return out, nil
}

func encodeResult(v any) (string, error) {
	switch r := v.(type) {
	case nil:
		return "", nil
	case string:
		return r, nil
	case []byte:
		return string(r), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}
