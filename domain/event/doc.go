// Package event defines the recorded unit of a captured dataflow stream and
// the two capabilities every capture backend implements: Pusher on the
// recording side and Iterator on the replaying side.
//
// A well-formed capture session begins with a Progress event announcing the
// initial capabilities, interleaves Messages and Progress events in the order
// they were observed, and, if the upstream completed, ends with Progress
// deltas retiring every capability it announced.
package event
