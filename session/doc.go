// Package session houses concrete implementations of core.ThreadStore. The
// interface itself lives in core so the engine never depends on a concrete
// backend.
//
// Only process memory is provided: the store remembers the last
// conversation and agent state per (room, thread) so the next run on a
// thread starts from the previous run's state tree. Durable backends can be
// added in sub-packages without changing any calling code.
package session
