package engine

import "capflow/domain/progress"

// ProbeHandle observes the frontier at a probe's input.
type ProbeHandle[T progress.Timestamp] struct {
	frontier *progress.ChangeBatch[T]
}

// Frontier returns the least timestamp that may still arrive.
func (h *ProbeHandle[T]) Frontier() (T, bool) {
	return h.frontier.Frontier()
}

// LessThan reports whether records at a time before t may still arrive.
func (h *ProbeHandle[T]) LessThan(t T) bool {
	f, ok := h.frontier.Frontier()
	return ok && f < t
}

// Done reports whether the input is complete.
func (h *ProbeHandle[T]) Done() bool {
	_, ok := h.frontier.Frontier()
	return !ok
}

type probe[T progress.Timestamp, D any] struct {
	name   string
	input  *Input[T, D]
	fn     func(T, []D)
	handle *ProbeHandle[T]
}

// Probe attaches a sink that tracks the stream's frontier.
func Probe[T progress.Timestamp, D any](st Stream[T, D]) *ProbeHandle[T] {
	return sink(st, "Probe", nil)
}

// Inspect attaches a sink calling fn for every bundle and returns a probe on
// the same input.
func Inspect[T progress.Timestamp, D any](st Stream[T, D], fn func(T, []D)) *ProbeHandle[T] {
	return sink(st, "Inspect", fn)
}

func sink[T progress.Timestamp, D any](st Stream[T, D], name string, fn func(T, []D)) *ProbeHandle[T] {
	op := &probe[T, D]{
		name:   name,
		fn:     fn,
		handle: &ProbeHandle[T]{frontier: progress.NewChangeBatch[T]()},
	}
	idx := st.Scope().AddOperator(op)
	op.input = st.ConnectTo(idx, 0)
	return op.handle
}

func (p *probe[T, D]) Name() string { return p.name }
func (p *probe[T, D]) Inputs() int  { return 1 }
func (p *probe[T, D]) Outputs() int { return 0 }

func (p *probe[T, D]) InternalSummary() ([]*progress.ChangeBatch[T], error) {
	return nil, nil
}

func (p *probe[T, D]) SetExternalSummary(frontier []*progress.ChangeBatch[T]) error {
	p.handle.frontier.Merge(frontier[0])
	return nil
}

func (p *probe[T, D]) PushExternalProgress(frontier []*progress.ChangeBatch[T]) error {
	p.handle.frontier.Merge(frontier[0])
	return nil
}

func (p *probe[T, D]) PullInternalProgress(consumed, _, _ []*progress.ChangeBatch[T]) (bool, error) {
	for {
		b, ok := p.input.Next()
		if !ok {
			break
		}
		if p.fn != nil {
			p.fn(b.Time, b.Data)
		}
	}
	p.input.PullProgress(consumed[0])
	return p.handle.Done(), nil
}
