// Package service provides the two operators that connect a dataflow to an
// event channel: Capture records a stream's records and progress as events,
// and Replay reconstructs an equivalent stream from those events, possibly
// in another process.
package service
