// Package testutil contains fluent builders used across tests to script
// protocol event streams and construct conversations without boilerplate.
// They are not intended for production usage.
package testutil
