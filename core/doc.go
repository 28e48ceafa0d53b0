// Package core provides the domain model shared by every agentrun package:
//
//   - Protocol events (the AG-UI event set) and their JSON wire codec
//   - Conversation, the immutable accumulated result of a thread's runs
//   - StreamingState, the transient text and reasoning accumulation
//   - ActiveRunState and CompletionResult, the observed state of a run
//   - ThreadKey and the ThreadStore interface
//
// Variant hierarchies are closed interfaces with an unexported marker
// method; switches over them list every variant so a new variant without a
// handler is visible in review.
package core
