package engine

import (
	"errors"
	"fmt"

	"capflow/domain/progress"
)

// ErrInputClosed is returned by InputHandle methods after Close.
var ErrInputClosed = errors.New("engine: input closed")

type toStream[T progress.Timestamp, D any] struct {
	time T
	data []D
	out  *Output[T, D]
	sent bool
}

// ToStream introduces data at time t and then retires its capability.
func ToStream[T progress.Timestamp, D any](s *Scope[T], t T, data []D) Stream[T, D] {
	op := &toStream[T, D]{time: t, data: data}
	idx := s.AddOperator(op)
	out, stream := NewOutput[T, D](s, idx, 0)
	op.out = out
	return stream
}

func (o *toStream[T, D]) Name() string { return "ToStream" }
func (o *toStream[T, D]) Inputs() int  { return 0 }
func (o *toStream[T, D]) Outputs() int { return 1 }

func (o *toStream[T, D]) InternalSummary() ([]*progress.ChangeBatch[T], error) {
	caps := Batches[T](1)
	caps[0].Update(o.time, 1)
	return caps, nil
}

func (o *toStream[T, D]) SetExternalSummary([]*progress.ChangeBatch[T]) error   { return nil }
func (o *toStream[T, D]) PushExternalProgress([]*progress.ChangeBatch[T]) error { return nil }

func (o *toStream[T, D]) PullInternalProgress(_, internal, produced []*progress.ChangeBatch[T]) (bool, error) {
	if o.sent {
		return true, nil
	}
	o.out.Session(o.time).GiveSlice(o.data)
	o.out.Cease()
	o.out.PullProgress(produced[0])
	internal[0].Update(o.time, -1)
	o.sent, o.data = true, nil
	return true, nil
}

// InputHandle feeds records into a dataflow from outside the worker. It is
// not safe for concurrent use; call it between worker steps.
type InputHandle[T progress.Timestamp, D any] struct {
	op *inputOp[T, D]
}

type inputOp[T progress.Timestamp, D any] struct {
	out     *Output[T, D]
	initial T
	time    T
	pending []Bundle[T, D]
	change  *progress.ChangeBatch[T]
	closed  bool
}

// NewInput creates an input operator holding a capability at initial.
func NewInput[T progress.Timestamp, D any](s *Scope[T], initial T) (*InputHandle[T, D], Stream[T, D]) {
	op := &inputOp[T, D]{initial: initial, time: initial, change: progress.NewChangeBatch[T]()}
	idx := s.AddOperator(op)
	out, stream := NewOutput[T, D](s, idx, 0)
	op.out = out
	return &InputHandle[T, D]{op: op}, stream
}

// Time returns the current input time.
func (h *InputHandle[T, D]) Time() T {
	return h.op.time
}

// Send stages records at the current time.
func (h *InputHandle[T, D]) Send(data ...D) error {
	if h.op.closed {
		return ErrInputClosed
	}
	if len(data) == 0 {
		return nil
	}
	h.op.pending = append(h.op.pending, Bundle[T, D]{Time: h.op.time, Data: append([]D(nil), data...)})
	return nil
}

// AdvanceTo moves the input capability forward to t.
func (h *InputHandle[T, D]) AdvanceTo(t T) error {
	if h.op.closed {
		return ErrInputClosed
	}
	if t < h.op.time {
		return fmt.Errorf("engine: cannot advance input from %v back to %v", h.op.time, t)
	}
	if t == h.op.time {
		return nil
	}
	h.op.change.Update(h.op.time, -1)
	h.op.change.Update(t, 1)
	h.op.time = t
	return nil
}

// Close retires the input capability.
func (h *InputHandle[T, D]) Close() {
	if h.op.closed {
		return
	}
	h.op.change.Update(h.op.time, -1)
	h.op.closed = true
}

func (o *inputOp[T, D]) Name() string { return "Input" }
func (o *inputOp[T, D]) Inputs() int  { return 0 }
func (o *inputOp[T, D]) Outputs() int { return 1 }

func (o *inputOp[T, D]) InternalSummary() ([]*progress.ChangeBatch[T], error) {
	caps := Batches[T](1)
	caps[0].Update(o.initial, 1)
	return caps, nil
}

func (o *inputOp[T, D]) SetExternalSummary([]*progress.ChangeBatch[T]) error   { return nil }
func (o *inputOp[T, D]) PushExternalProgress([]*progress.ChangeBatch[T]) error { return nil }

func (o *inputOp[T, D]) PullInternalProgress(_, internal, produced []*progress.ChangeBatch[T]) (bool, error) {
	for _, b := range o.pending {
		o.out.Session(b.Time).GiveSlice(b.Data)
	}
	o.pending = o.pending[:0]
	o.out.Cease()
	o.out.PullProgress(produced[0])
	internal[0].Merge(o.change)
	o.change.Clear()
	return o.closed, nil
}
