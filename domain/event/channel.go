package event

import "capflow/domain/progress"

// Pusher is the producer side of an event channel.
//
// Push must not block indefinitely. An error means the event may not have
// been recorded; callers treat it as fatal for the capture.
type Pusher[T progress.Timestamp, D any] interface {
	Push(Event[T, D]) error
}

// Iterator is the consumer side of an event channel.
//
// Next returns the next event with ok=true when one is fully available.
// ok=false with a nil error means "nothing yet, try again later"; a non-nil
// error reports a fault in the underlying source.
type Iterator[T progress.Timestamp, D any] interface {
	Next() (ev Event[T, D], ok bool, err error)
}

// Finisher is implemented by iterators that can tell when their source has
// ended and no further event will ever be returned.
type Finisher interface {
	Done() bool
}

// Awaiter is implemented by iterators that know no producer has attached
// yet. Consumers waiting for a first event need not count those polls.
type Awaiter interface {
	Awaiting() bool
}

// PusherFunc adapts a function to the Pusher interface.
type PusherFunc[T progress.Timestamp, D any] func(Event[T, D]) error

func (f PusherFunc[T, D]) Push(e Event[T, D]) error { return f(e) }

// Slice is an Iterator over a fixed sequence of events, mostly useful for
// hand-constructed captures.
type Slice[T progress.Timestamp, D any] struct {
	events []Event[T, D]
	pos    int
}

func NewSlice[T progress.Timestamp, D any](events ...Event[T, D]) *Slice[T, D] {
	return &Slice[T, D]{events: events}
}

func (s *Slice[T, D]) Next() (Event[T, D], bool, error) {
	if s.pos >= len(s.events) {
		return Event[T, D]{}, false, nil
	}
	e := s.events[s.pos]
	s.pos++
	return e, true, nil
}

func (s *Slice[T, D]) Done() bool { return s.pos >= len(s.events) }
