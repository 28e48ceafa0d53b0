// Package run tracks the runs in flight: one Handle per run and a Registry
// that keeps at most one handle per (room, thread) key.
//
// A Handle owns the run's cancellation token (a context cancelled with a
// cause), the subscription to its event source and its current
// core.ActiveRunState. Dispose releases both resources exactly once.
//
// The Registry enforces the single-run invariant, answers queries without
// blocking on run work and publishes StartedEvent / CompletedEvent to a
// fan-out Bus. A completion reported by a handle that has since been
// replaced is never published; it is logged and handed to the optional
// OnStaleCompletion hook instead.
package run
