// Package memory provides the process-local event log shared by a capture
// and any number of replays.
//
// The log is an append-only sequence of events addressed by monotonically
// increasing positions; position 0 always holds the Start sentinel. A
// Cursor remembers only the last position it consumed, so cursors never
// mutate shared state and any number of them can replay the same capture
// independently. Compact reclaims the prefix every live cursor has already
// consumed, which plays the role of reference-counted node release.
//
// Appends take the log's write lock and reads take its read lock, so a
// single producer and several consumers may live on different goroutines.
// A single Cursor must not be used concurrently.
package memory
