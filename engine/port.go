package engine

import "capflow/domain/progress"

// DefaultBatchSize is the number of records an Output buffers before it
// sends a bundle.
const DefaultBatchSize = 1024

// Bundle is a batch of records sent at one timestamp.
type Bundle[T progress.Timestamp, D any] struct {
	Time T
	Data []D
}

type channel[T progress.Timestamp, D any] struct {
	queue []Bundle[T, D]
}

func (c *channel[T, D]) push(b Bundle[T, D]) {
	c.queue = append(c.queue, b)
}

func (c *channel[T, D]) pop() (Bundle[T, D], bool) {
	if len(c.queue) == 0 {
		return Bundle[T, D]{}, false
	}
	b := c.queue[0]
	c.queue[0] = Bundle[T, D]{}
	c.queue = c.queue[1:]
	return b, true
}

// Input pulls bundles from one channel and counts what it consumed.
type Input[T progress.Timestamp, D any] struct {
	ch       *channel[T, D]
	consumed *progress.ChangeBatch[T]
}

// Next returns the oldest pending bundle.
func (in *Input[T, D]) Next() (Bundle[T, D], bool) {
	b, ok := in.ch.pop()
	if ok {
		in.consumed.Update(b.Time, int64(len(b.Data)))
	}
	return b, ok
}

// PullProgress moves the consumed counts into dst.
func (in *Input[T, D]) PullProgress(dst *progress.ChangeBatch[T]) {
	dst.Merge(in.consumed)
	in.consumed.Clear()
}

type tee[T progress.Timestamp, D any] struct {
	targets []*channel[T, D]
}

// Output buffers records per timestamp, sends them to every consumer of its
// stream and counts what it produced.
type Output[T progress.Timestamp, D any] struct {
	tee       *tee[T, D]
	buffer    []D
	time      T
	open      bool
	batchSize int
	produced  *progress.ChangeBatch[T]
}

// Session is a handle for giving records at one timestamp.
type Session[T progress.Timestamp, D any] struct {
	out *Output[T, D]
}

// Session returns a session at t, flushing records buffered at another time.
func (o *Output[T, D]) Session(t T) Session[T, D] {
	if o.open && o.time != t {
		o.Flush()
	}
	o.time, o.open = t, true
	return Session[T, D]{out: o}
}

func (s Session[T, D]) Give(d D) {
	o := s.out
	o.buffer = append(o.buffer, d)
	if len(o.buffer) >= o.batchSize {
		o.Flush()
	}
}

func (s Session[T, D]) GiveSlice(data []D) {
	for _, d := range data {
		s.Give(d)
	}
}

// Flush sends buffered records as one bundle.
func (o *Output[T, D]) Flush() {
	if len(o.buffer) == 0 {
		return
	}
	b := Bundle[T, D]{Time: o.time, Data: o.buffer}
	for _, ch := range o.tee.targets {
		ch.push(b)
	}
	o.produced.Update(o.time, int64(len(o.buffer)))
	o.buffer = make([]D, 0, o.batchSize)
}

// Cease flushes and closes the current session.
func (o *Output[T, D]) Cease() {
	o.Flush()
	o.open = false
}

// PullProgress moves the produced counts into dst.
func (o *Output[T, D]) PullProgress(dst *progress.ChangeBatch[T]) {
	dst.Merge(o.produced)
	o.produced.Clear()
}
