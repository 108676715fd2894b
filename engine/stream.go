package engine

import "capflow/domain/progress"

// Stream is the output port of an operator in a Scope.
type Stream[T progress.Timestamp, D any] struct {
	scope *Scope[T]
	node  int
	port  int
	tee   *tee[T, D]
}

// NewOutput creates the output port for (node, port) and the stream it feeds.
func NewOutput[T progress.Timestamp, D any](s *Scope[T], node, port int) (*Output[T, D], Stream[T, D]) {
	t := &tee[T, D]{}
	out := &Output[T, D]{
		tee:       t,
		batchSize: DefaultBatchSize,
		produced:  progress.NewChangeBatch[T](),
	}
	return out, Stream[T, D]{scope: s, node: node, port: port, tee: t}
}

func (st Stream[T, D]) Scope() *Scope[T] {
	return st.scope
}

// ConnectTo attaches input port `port` of node to the stream.
func (st Stream[T, D]) ConnectTo(node, port int) *Input[T, D] {
	ch := &channel[T, D]{}
	st.tee.targets = append(st.tee.targets, ch)
	st.scope.addEdge(st.node, st.port, node, port)
	return &Input[T, D]{ch: ch, consumed: progress.NewChangeBatch[T]()}
}
