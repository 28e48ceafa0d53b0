// Package engine implements the run consumption loop.
//
// The Engine is the coordination point between an event Source and the run
// registry. For every run it:
//   - loads the thread's last conversation from the ThreadStore
//   - opens the source stream with the client-side tool definitions and the
//     results of the tools executed during the previous run
//   - registers the run handle, superseding any run on the same key
//   - folds every event into the conversation on a dedicated goroutine
//   - executes locally registered tools when the backend ends a call
//   - extracts the citations the run added to the agent state and attaches
//     them to the triggering user message
//   - saves the thread and reports completion to the registry
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│                  Engine Interface                       │
//	│  ┌─────────────┐ ┌─────────────┐ ┌─────────────────┐    │
//	│  │  StartRun   │ │  CancelRun  │ │   ExecuteTool   │    │
//	│  └─────────────┘ └─────────────┘ └─────────────────┘    │
//	├─────────────────────────────────────────────────────────┤
//	│                  Consumption Loop                       │
//	│  ┌─────────────┐ ┌─────────────┐ ┌─────────────────┐    │
//	│  │  processor  │ │  Callbacks  │ │    citation     │    │
//	│  └─────────────┘ └─────────────┘ └─────────────────┘    │
//	├─────────────────────────────────────────────────────────┤
//	│                   Service Layer                         │
//	│  ┌─────────────┐ ┌─────────────┐ ┌─────────────────┐    │
//	│  │ run.Registry│ │ ThreadStore │ │  tool.Registry  │    │
//	│  └─────────────┘ └─────────────┘ └─────────────────┘    │
//	└─────────────────────────────────────────────────────────┘
//
// # Cancellation
//
// Every run owns a cancellation token (the handle's context). It is
// cancelled with a cause when the run is superseded, removed, cancelled
// through CancelRun or when the engine closes. The loop checks the token
// before each event and completes the run with Cancelled{Reason: cause}.
// A completion reported by a superseded run is stale: the registry swallows
// it and the engine counts it through Metrics.StaleCompletion.
//
// # Usage
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Logger = logging.NewDefaultSlogLogger()
//	})
//	defer eng.Close()
//
//	h, err := eng.StartRun(ctx, engine.StartParams{
//	    Key:         core.ThreadKey{RoomID: "room", ThreadID: "t1"},
//	    UserMessage: core.Message{Text: "What changed in v2?"},
//	}, src)
//	if err != nil {
//	    return err
//	}
//	final, err := eng.Wait(ctx, h)
//
// # Callbacks
//
// The CallbackManager runs hooks before and after every event, around every
// local tool execution and once per completed run. Event callback errors
// fail the run; tool callback errors become tool error results.
package engine
