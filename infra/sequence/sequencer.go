package sequence

import "sync/atomic"

// Sequencer assigns log positions. Position 0 is the head of a log, so the
// zero value issues 1 first.
type Sequencer struct {
	last atomic.Uint64
}

// Next issues the following position.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued position.
func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}

// Resume continues numbering after last, as when a log is reopened. A
// sequencer never moves backwards: Resume reports false and leaves s
// unchanged when last is below a position it already issued.
func (s *Sequencer) Resume(last uint64) bool {
	for {
		cur := s.last.Load()
		if last < cur {
			return false
		}
		if s.last.CompareAndSwap(cur, last) {
			return true
		}
	}
}
