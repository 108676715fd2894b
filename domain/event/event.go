package event

import (
	"fmt"

	"capflow/domain/progress"
)

// Kind tags the variant held by an Event.
type Kind uint8

const (
	KindStart Kind = iota
	KindProgress
	KindMessages
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindProgress:
		return "progress"
	case KindMessages:
		return "messages"
	default:
		return "unknown"
	}
}

// Event is one unit of recorded stream history.
//
// Only the fields matching Kind are meaningful: Updates for progress events,
// Time and Data for message batches. Events are never mutated after creation.
type Event[T progress.Timestamp, D any] struct {
	Kind    Kind
	Updates []progress.Update[T]
	Time    T
	Data    []D
}

// Start marks the head of a fresh log.
func Start[T progress.Timestamp, D any]() Event[T, D] {
	return Event[T, D]{Kind: KindStart}
}

// Progress records capability changes observed by the capturing side.
func Progress[T progress.Timestamp, D any](updates []progress.Update[T]) Event[T, D] {
	return Event[T, D]{Kind: KindProgress, Updates: updates}
}

// Messages records a batch of data emitted at time t, in emission order.
func Messages[T progress.Timestamp, D any](t T, data []D) Event[T, D] {
	return Event[T, D]{Kind: KindMessages, Time: t, Data: data}
}

func (e Event[T, D]) String() string {
	switch e.Kind {
	case KindProgress:
		return fmt.Sprintf("Progress(%v)", e.Updates)
	case KindMessages:
		return fmt.Sprintf("Messages(%v, %d records)", e.Time, len(e.Data))
	default:
		return e.Kind.String()
	}
}
