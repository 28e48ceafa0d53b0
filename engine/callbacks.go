package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
	"github.com/hupe1980/agentrun/run"
	"github.com/hupe1980/agentrun/tool"
)

// CallbackType defines the lifecycle points where callbacks are executed.
//
// Callbacks provide a way to hook into the consumption loop without
// modifying it:
//   - BeforeEvent/AfterEvent: around folding one protocol event
//   - BeforeTool/AfterTool: around one local tool execution
//   - RunComplete: after a run reached its terminal outcome
//
// Callbacks are executed synchronously on the run's goroutine.
type CallbackType string

const (
	// CallbackBeforeEvent is triggered before an event is folded into the
	// conversation. An error fails the run.
	CallbackBeforeEvent CallbackType = "before_event"

	// CallbackAfterEvent is triggered after an event was folded and the
	// handle's state updated. An error fails the run.
	CallbackAfterEvent CallbackType = "after_event"

	// CallbackBeforeTool is triggered before a local tool executes. An error
	// skips the execution and is recorded as the tool's error result.
	CallbackBeforeTool CallbackType = "before_tool"

	// CallbackAfterTool is triggered after a local tool executed. Errors are
	// logged.
	CallbackAfterTool CallbackType = "after_tool"

	// CallbackRunComplete is triggered once per run after completion was
	// reported to the registry. Errors are logged.
	CallbackRunComplete CallbackType = "run_complete"
)

// CallbackContext carries the information available at a callback point.
// Fields that do not apply to a callback type are zero.
type CallbackContext struct {
	// Handle is the run being consumed.
	Handle *run.Handle

	// Event is the protocol event being processed (event callbacks).
	Event core.Event

	// Conversation is the conversation at the callback point: before the
	// event for BeforeEvent, after it for every other type.
	Conversation core.Conversation

	// ToolCall is the call being executed (tool callbacks).
	ToolCall *tool.Call

	// ToolResult is the outcome of the call (AfterTool).
	ToolResult *core.ToolResult

	// Result is the run's terminal outcome (RunComplete).
	Result core.CompletionResult

	// Stale reports that the completion was swallowed because the handle was
	// superseded or removed (RunComplete).
	Stale bool

	// CallbackType indicates which callback point triggered this execution.
	CallbackType CallbackType

	// Metadata provides extensible storage shared by the callbacks of one
	// callback point.
	Metadata map[string]any
}

// Callback defines the interface for consumption loop hooks.
//
// Implementations should be fast since they run on the run's goroutine and
// delay every following event.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	audit := NewFunctionCallback(
//	    CallbackAfterTool,
//	    func(ctx context.Context, cc *CallbackContext) error {
//	        log.Printf("tool %s: %s", cc.ToolCall.Name, cc.ToolResult.Content)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds the registered callbacks per type.
//
// Callbacks are executed in registration order, and the first callback
// returning an error stops the execution of the remaining ones. The manager
// is safe for concurrent registration and execution.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// Has reports whether any callback is registered for callbackType.
func (cm *CallbackManager) Has(callbackType CallbackType) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.callbacks[callbackType]) > 0
}

// ExecuteCallbacks executes all registered callbacks for the specified type
// and returns the first error.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	if len(callbacks) == 0 {
		return nil
	}
	callbackCtx.CallbackType = callbackType
	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return fmt.Errorf("%s callback: %w", callbackType, err)
		}
	}
	return nil
}

// LoggingCallback logs every execution of its callback type at debug level.
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the callback point with the run and event or tool details.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	args := []any{"callback", string(c.callbackType)}
	if h := callbackCtx.Handle; h != nil {
		args = append(args, "key", h.Key().String(), "run_id", h.RunID())
	}
	if callbackCtx.Event != nil {
		args = append(args, "event", string(callbackCtx.Event.Type()))
	}
	if callbackCtx.ToolCall != nil {
		args = append(args, "tool", callbackCtx.ToolCall.Name, "fc_id", callbackCtx.ToolCall.ID)
	}
	if callbackCtx.Result != nil {
		args = append(args, "result", core.ResultName(callbackCtx.Result))
	}
	c.logger.Debug("engine.callback", args...)
	return nil
}

// StateValidationCallback validates the agent state tree after every state
// snapshot or delta. A validation error fails the run.
//
// Example:
//
//	validator := func(state map[string]any) error {
//	    if _, ok := state["qa_history"].([]any); !ok {
//	        return errors.New("qa_history must be a list")
//	    }
//	    return nil
//	}
//	callback := NewStateValidationCallback(validator)
type StateValidationCallback struct {
	validator func(state map[string]any) error
}

// NewStateValidationCallback creates a new state validation callback.
func NewStateValidationCallback(validator func(state map[string]any) error) *StateValidationCallback {
	return &StateValidationCallback{
		validator: validator,
	}
}

// Type returns the callback type (always CallbackAfterEvent).
func (c *StateValidationCallback) Type() CallbackType {
	return CallbackAfterEvent
}

// Execute validates the state when the event changed it.
func (c *StateValidationCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.validator == nil {
		return nil
	}
	switch callbackCtx.Event.(type) {
	case core.StateSnapshotEvent, core.StateDeltaEvent:
		return c.validator(callbackCtx.Conversation.State)
	}
	return nil
}
