// Package engine is a minimal single-worker dataflow host: just enough
// scheduler, progress tracking and channel plumbing to run capture and
// replay operators and observe their progress semantics.
//
// Timestamps are totally ordered and every path summary is the identity, so
// the frontier at an operator input is the least timestamp at which any
// upstream capability or in-flight record is outstanding. Operators are
// scheduled in construction order, which is always a topological order
// because an operator can only consume streams that already exist.
package engine
