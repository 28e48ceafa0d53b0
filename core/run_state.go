package core

// ActiveRunState is the externally observed state of one run: IdleRunState,
// RunningState or CompletedState.
type ActiveRunState interface{ isActiveRunState() }

// IdleRunState is the sentinel for a key with no run.
type IdleRunState struct{}

// RunningState is a run that is still consuming events.
type RunningState struct {
	Conversation Conversation
	Streaming    StreamingState
}

// CompletedState is a run that reached a terminal outcome.
type CompletedState struct {
	Conversation Conversation
	Streaming    StreamingState
	Result       CompletionResult
}

func (IdleRunState) isActiveRunState()   {}
func (RunningState) isActiveRunState()   {}
func (CompletedState) isActiveRunState() {}

// IsRunning reports whether s is a RunningState.
func IsRunning(s ActiveRunState) bool {
	_, ok := s.(RunningState)
	return ok
}

// ConversationOf returns the conversation carried by s, if any.
func ConversationOf(s ActiveRunState) (Conversation, bool) {
	switch v := s.(type) {
	case RunningState:
		return v.Conversation, true
	case CompletedState:
		return v.Conversation, true
	case IdleRunState:
		return Conversation{}, false
	}
	return Conversation{}, false
}

// CompletionResult is how a run ended: Success, FailedResult or Cancelled.
type CompletionResult interface{ isCompletionResult() }

// Success means the backend finished the run.
type Success struct{}

// FailedResult means the run ended with an error.
type FailedResult struct{ ErrorMessage string }

// Cancelled means the run was stopped before finishing.
type Cancelled struct{ Reason string }

func (Success) isCompletionResult()      {}
func (FailedResult) isCompletionResult() {}
func (Cancelled) isCompletionResult()    {}

// ResultName returns a stable lowercase name for r, suitable as a metric
// label.
func ResultName(r CompletionResult) string {
	switch r.(type) {
	case Success:
		return "success"
	case FailedResult:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}
