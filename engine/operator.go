package engine

import "capflow/domain/progress"

// Operator is the contract between a Scope and the operators it schedules.
//
// All batches are indexed by port. Frontier batches passed to
// SetExternalSummary and PushExternalProgress hold ±1 changes to the input
// frontier. PullInternalProgress fills consumed (records taken per input),
// internal (capability changes per output) and produced (records sent per
// output) and reports whether the operator is finished.
type Operator[T progress.Timestamp] interface {
	Name() string
	Inputs() int
	Outputs() int

	// InternalSummary returns the capabilities each output starts with.
	InternalSummary() ([]*progress.ChangeBatch[T], error)
	SetExternalSummary(frontier []*progress.ChangeBatch[T]) error
	PushExternalProgress(frontier []*progress.ChangeBatch[T]) error
	PullInternalProgress(consumed, internal, produced []*progress.ChangeBatch[T]) (bool, error)
}

// Batches allocates n empty change batches.
func Batches[T progress.Timestamp](n int) []*progress.ChangeBatch[T] {
	out := make([]*progress.ChangeBatch[T], n)
	for i := range out {
		out[i] = progress.NewChangeBatch[T]()
	}
	return out
}
