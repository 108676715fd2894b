package engine

import (
	"errors"
	"fmt"
	"log/slog"

	"capflow/domain/progress"
)

var (
	ErrScopeBuilt      = errors.New("engine: scope already built")
	ErrInvalidSummary  = errors.New("engine: invalid operator summary")
	ErrPortConnected   = errors.New("engine: input port already connected")
	ErrInvalidProgress = errors.New("engine: invalid progress report")
)

type node[T progress.Timestamp] struct {
	op       Operator[T]
	caps     []*progress.ChangeBatch[T]
	inputs   []int // edge id per input port, -1 when unconnected
	outputs  [][]int
	frontier []frontier[T]
	done     bool
}

type frontier[T progress.Timestamp] struct {
	time T
	ok   bool
}

type edge[T progress.Timestamp] struct {
	src, srcPort int
	dst, dstPort int
	inflight     *progress.ChangeBatch[T]
}

// Scope is a dataflow graph. Operators are added while the scope is under
// construction; Build negotiates summaries and hands the scope to its worker.
type Scope[T progress.Timestamp] struct {
	name   string
	worker *Worker
	logger *slog.Logger
	nodes  []*node[T]
	edges  []*edge[T]
	built  bool
	err    error
}

// NewScope creates an empty scope scheduled by w.
func NewScope[T progress.Timestamp](w *Worker, name string) *Scope[T] {
	return &Scope[T]{
		name:   name,
		worker: w,
		logger: w.logger.With("scope", name),
	}
}

func (s *Scope[T]) Name() string {
	return s.name
}

func (s *Scope[T]) Logger() *slog.Logger {
	return s.logger
}

// AddOperator registers op and returns its node index.
func (s *Scope[T]) AddOperator(op Operator[T]) int {
	if s.built {
		s.fail(fmt.Errorf("%w: add %s", ErrScopeBuilt, op.Name()))
	}
	n := &node[T]{
		op:       op,
		inputs:   make([]int, op.Inputs()),
		outputs:  make([][]int, op.Outputs()),
		frontier: make([]frontier[T], op.Inputs()),
	}
	for i := range n.inputs {
		n.inputs[i] = -1
	}
	s.nodes = append(s.nodes, n)
	return len(s.nodes) - 1
}

func (s *Scope[T]) addEdge(src, srcPort, dst, dstPort int) {
	if s.built {
		s.fail(fmt.Errorf("%w: connect %d -> %d", ErrScopeBuilt, src, dst))
		return
	}
	if dst >= len(s.nodes) || dstPort >= len(s.nodes[dst].inputs) {
		s.fail(fmt.Errorf("engine: no input port %d on node %d", dstPort, dst))
		return
	}
	d := s.nodes[dst]
	if d.inputs[dstPort] >= 0 {
		s.fail(fmt.Errorf("%w: %s[%d]", ErrPortConnected, d.op.Name(), dstPort))
		return
	}
	id := len(s.edges)
	s.edges = append(s.edges, &edge[T]{
		src: src, srcPort: srcPort,
		dst: dst, dstPort: dstPort,
		inflight: progress.NewChangeBatch[T](),
	})
	d.inputs[dstPort] = id
	s.nodes[src].outputs[srcPort] = append(s.nodes[src].outputs[srcPort], id)
}

func (s *Scope[T]) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Build collects every operator's initial capabilities, reports the initial
// input frontiers and registers the scope with its worker.
func (s *Scope[T]) Build() error {
	if s.err != nil {
		return s.err
	}
	if s.built {
		return ErrScopeBuilt
	}
	for _, n := range s.nodes {
		caps, err := n.op.InternalSummary()
		if err != nil {
			return fmt.Errorf("%s: %w", n.op.Name(), err)
		}
		if caps == nil {
			caps = Batches[T](n.op.Outputs())
		}
		if len(caps) != n.op.Outputs() {
			return fmt.Errorf("%w: %s returned %d outputs, want %d",
				ErrInvalidSummary, n.op.Name(), len(caps), n.op.Outputs())
		}
		for _, c := range caps {
			if err := c.CheckNonNegative(); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrInvalidSummary, n.op.Name(), err)
			}
		}
		n.caps = caps
	}
	reach := s.reachability()
	for j, n := range s.nodes {
		deltas := Batches[T](n.op.Inputs())
		for p := range n.frontier {
			t, ok := s.inputCounts(reach, j, p).Frontier()
			deltas[p].Extend(progress.FrontierDelta(n.frontier[p].time, n.frontier[p].ok, t, ok))
			n.frontier[p] = frontier[T]{time: t, ok: ok}
		}
		if err := n.op.SetExternalSummary(deltas); err != nil {
			return fmt.Errorf("%s: %w", n.op.Name(), err)
		}
	}
	s.built = true
	s.worker.add(s)
	s.logger.Debug("scope built", "operators", len(s.nodes), "edges", len(s.edges))
	return nil
}

// reachability returns, per node, the counts of every capability and
// in-flight record at or upstream of that node.
func (s *Scope[T]) reachability() []*progress.ChangeBatch[T] {
	reach := make([]*progress.ChangeBatch[T], len(s.nodes))
	for i, n := range s.nodes {
		r := progress.NewChangeBatch[T]()
		for _, c := range n.caps {
			r.Merge(c)
		}
		for p := range n.inputs {
			r.Merge(s.inputCounts(reach, i, p))
		}
		reach[i] = r
	}
	return reach
}

func (s *Scope[T]) inputCounts(reach []*progress.ChangeBatch[T], node, port int) *progress.ChangeBatch[T] {
	out := progress.NewChangeBatch[T]()
	id := s.nodes[node].inputs[port]
	if id < 0 {
		return out
	}
	e := s.edges[id]
	out.Merge(e.inflight)
	out.Merge(reach[e.src])
	return out
}

// step schedules every operator once in construction order.
func (s *Scope[T]) step() (bool, error) {
	for j, n := range s.nodes {
		if err := s.deliverFrontier(j); err != nil {
			return false, err
		}
		consumed := Batches[T](n.op.Inputs())
		internal := Batches[T](n.op.Outputs())
		produced := Batches[T](n.op.Outputs())
		done, err := n.op.PullInternalProgress(consumed, internal, produced)
		if err != nil {
			return false, fmt.Errorf("%s: %w", n.op.Name(), err)
		}
		if err := s.apply(n, consumed, internal, produced); err != nil {
			return false, fmt.Errorf("%s: %w", n.op.Name(), err)
		}
		if done && !n.done {
			n.done = true
			s.logger.Debug("operator finished", "operator", n.op.Name())
		}
	}
	return s.active(), nil
}

func (s *Scope[T]) deliverFrontier(j int) error {
	n := s.nodes[j]
	if len(n.frontier) == 0 {
		return nil
	}
	reach := s.reachability()
	deltas := Batches[T](len(n.frontier))
	changed := false
	for p := range n.frontier {
		t, ok := s.inputCounts(reach, j, p).Frontier()
		d := progress.FrontierDelta(n.frontier[p].time, n.frontier[p].ok, t, ok)
		if len(d) == 0 {
			continue
		}
		deltas[p].Extend(d)
		n.frontier[p] = frontier[T]{time: t, ok: ok}
		changed = true
	}
	if !changed {
		return nil
	}
	if err := n.op.PushExternalProgress(deltas); err != nil {
		return fmt.Errorf("%s: %w", n.op.Name(), err)
	}
	return nil
}

func (s *Scope[T]) apply(n *node[T], consumed, internal, produced []*progress.ChangeBatch[T]) error {
	if len(consumed) != len(n.inputs) || len(internal) != len(n.caps) || len(produced) != len(n.outputs) {
		return ErrInvalidProgress
	}
	for p, c := range internal {
		n.caps[p].Merge(c)
		if err := n.caps[p].CheckNonNegative(); err != nil {
			return fmt.Errorf("%w: output %d: %w", ErrInvalidProgress, p, err)
		}
	}
	for p, c := range produced {
		for _, id := range n.outputs[p] {
			s.edges[id].inflight.Merge(c)
		}
	}
	for p, c := range consumed {
		id := n.inputs[p]
		if id < 0 {
			if !c.IsEmpty() {
				return fmt.Errorf("%w: consumed on unconnected input %d", ErrInvalidProgress, p)
			}
			continue
		}
		e := s.edges[id]
		for _, u := range c.Updates() {
			e.inflight.Update(u.Time, -u.Delta)
		}
		if err := e.inflight.CheckNonNegative(); err != nil {
			return fmt.Errorf("%w: input %d: %w", ErrInvalidProgress, p, err)
		}
	}
	return nil
}

// active reports whether any capability or record is outstanding, or some
// operator has not yet been told its inputs are complete.
func (s *Scope[T]) active() bool {
	for _, n := range s.nodes {
		for _, c := range n.caps {
			if !c.IsEmpty() {
				return true
			}
		}
		for _, f := range n.frontier {
			if f.ok {
				return true
			}
		}
	}
	for _, e := range s.edges {
		if !e.inflight.IsEmpty() {
			return true
		}
	}
	return false
}
