package engine

import (
	"context"
	"time"

	"github.com/hupe1980/agentrun/citation"
	"github.com/hupe1980/agentrun/core"
	"github.com/hupe1980/agentrun/logging"
	"github.com/hupe1980/agentrun/run"
	"github.com/hupe1980/agentrun/tool"
)

// loop consumes one run's event stream.
type loop struct {
	engine *Engine
	handle *run.Handle
	ctx    context.Context
	stop   context.CancelFunc
	events <-chan core.Event
	errs   <-chan error
	tools  tool.Registry
	logger logging.Logger

	conv    core.Conversation
	st      core.StreamingState
	started time.Time
}

func (l *loop) run() {
	defer l.engine.wg.Done()
	defer l.handle.MarkDone()
	defer l.stop()

	result := l.consume()
	l.finish(result)
}

// consume folds events until the run reaches a terminal outcome.
func (l *loop) consume() core.CompletionResult {
	for {
		select {
		case <-l.ctx.Done():
			return l.cancelled()

		case ev, ok := <-l.events:
			if !ok {
				return l.streamClosed()
			}
			if l.ctx.Err() != nil {
				return l.cancelled()
			}
			if res := l.apply(ev); res != nil {
				return res
			}
		}
	}
}

// apply folds one event and returns a non-nil result when the run ends.
func (l *loop) apply(ev core.Event) core.CompletionResult {
	e := l.engine
	before := l.conv

	if err := e.callbacks.ExecuteCallbacks(l.ctx, CallbackBeforeEvent, &CallbackContext{
		Handle:       l.handle,
		Event:        ev,
		Conversation: before,
	}); err != nil {
		l.logger.Error("run.callback.error", "event", string(ev.Type()), "error", err.Error())
		return core.FailedResult{ErrorMessage: err.Error()}
	}

	l.conv, l.st = e.proc.Process(l.conv, l.st, ev)
	l.handle.SetState(core.RunningState{Conversation: l.conv, Streaming: l.st})
	e.metrics.EventProcessed(string(ev.Type()))

	if err := e.callbacks.ExecuteCallbacks(l.ctx, CallbackAfterEvent, &CallbackContext{
		Handle:       l.handle,
		Event:        ev,
		Conversation: l.conv,
	}); err != nil {
		l.logger.Error("run.callback.error", "event", string(ev.Type()), "error", err.Error())
		return core.FailedResult{ErrorMessage: err.Error()}
	}

	switch ev := ev.(type) {
	case core.ToolCallEndEvent:
		if tc, open := before.ToolCall(ev.ToolCallID); open && l.tools.Has(tc.Name) {
			l.executeTool(tc)
		}
	case core.RunFinishedEvent:
		return core.Success{}
	case core.RunErrorEvent:
		return core.FailedResult{ErrorMessage: ev.Message}
	}
	return nil
}

func (l *loop) executeTool(tc core.ToolCallInfo) {
	e := l.engine
	call := tool.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}

	var res core.ToolResult
	if err := e.callbacks.ExecuteCallbacks(l.ctx, CallbackBeforeTool, &CallbackContext{
		Handle:       l.handle,
		Conversation: l.conv,
		ToolCall:     &call,
	}); err != nil {
		l.logger.Warn("tool.call.rejected", "tool", call.Name, "fc_id", call.ID, "error", err.Error())
		res = core.ToolResult{CallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
	} else {
		res = e.executeTool(l.ctx, l.tools, call, l.logger)
	}
	l.handle.AddToolResult(res)

	if err := e.callbacks.ExecuteCallbacks(l.ctx, CallbackAfterTool, &CallbackContext{
		Handle:       l.handle,
		Conversation: l.conv,
		ToolCall:     &call,
		ToolResult:   &res,
	}); err != nil {
		l.logger.Warn("run.callback.error", "callback", string(CallbackAfterTool), "error", err.Error())
	}
}

func (l *loop) cancelled() core.CompletionResult {
	cause := context.Cause(l.handle.Context())
	if cause == nil {
		cause = context.Cause(l.ctx)
	}
	reason := "cancelled"
	if cause != nil {
		reason = cause.Error()
	}
	return core.Cancelled{Reason: reason}
}

func (l *loop) streamFailed(err error) core.CompletionResult {
	if l.ctx.Err() != nil {
		return l.cancelled()
	}
	l.logger.Error("run.stream.error", "error", err.Error())
	return core.FailedResult{ErrorMessage: err.Error()}
}

// streamClosed maps the end of the event channel to an outcome. The error
// channel is only read once the event channel is closed, so every event
// sent before a failure is folded first. A stream error wins over the
// conversation status.
func (l *loop) streamClosed() core.CompletionResult {
	if l.errs != nil {
		select {
		case err, ok := <-l.errs:
			if ok && err != nil {
				return l.streamFailed(err)
			}
		case <-l.ctx.Done():
			return l.cancelled()
		}
	}
	if l.ctx.Err() != nil {
		return l.cancelled()
	}
	switch s := l.conv.Status.(type) {
	case core.Completed:
		return core.Success{}
	case core.Failed:
		return core.FailedResult{ErrorMessage: s.Error}
	}
	l.logger.Warn("run.stream.closed", "status", core.StatusName(l.conv.Status))
	return core.FailedResult{ErrorMessage: ErrStreamClosed.Error()}
}

// finish attaches citations, persists the thread while the run is still
// current and reports completion to the registry.
func (l *loop) finish(result core.CompletionResult) {
	e := l.engine
	h := l.handle

	conv := l.conv
	if refs := citation.ExtractNew(h.Baseline(), conv.State); len(refs) > 0 && h.UserMessageID() != "" {
		conv = conv.WithMessageState(core.MessageState{
			UserMessageID:    h.UserMessageID(),
			SourceReferences: refs,
		})
		l.logger.Debug("run.citations", "user_message_id", h.UserMessageID(), "count", len(refs))
	}

	switch r := result.(type) {
	case core.Success:
		conv = conv.WithStatus(core.Completed{})
	case core.FailedResult:
		conv = conv.WithStatus(core.Failed{Error: r.ErrorMessage})
	case core.Cancelled:
		conv = conv.WithStatus(core.Idle{})
	}

	e.saveMu.Lock()
	if cur, ok := e.registry.GetHandle(h.Key()); ok && cur == h {
		err := e.store.Save(context.WithoutCancel(l.ctx), &core.Thread{
			Key:          h.Key(),
			Conversation: conv,
			UpdatedAt:    time.Now().UTC(),
		})
		if err != nil {
			l.logger.Error("run.store.error", "error", err.Error())
		}
	}
	e.saveMu.Unlock()

	state := core.CompletedState{Conversation: conv, Streaming: l.st, Result: result}
	current := e.registry.CompleteRun(h, state)

	dur := time.Since(l.started)
	e.metrics.RunCompleted(core.ResultName(result), dur)

	args := []any{"result", core.ResultName(result), "duration_ms", dur.Milliseconds(), "current", current}
	switch r := result.(type) {
	case core.FailedResult:
		args = append(args, "error", r.ErrorMessage)
	case core.Cancelled:
		args = append(args, "reason", r.Reason)
	}
	l.logger.Info("run.complete", args...)

	if err := e.callbacks.ExecuteCallbacks(context.WithoutCancel(l.ctx), CallbackRunComplete, &CallbackContext{
		Handle:       h,
		Conversation: conv,
		Result:       result,
		Stale:        !current,
	}); err != nil {
		l.logger.Warn("run.callback.error", "callback", string(CallbackRunComplete), "error", err.Error())
	}
}
