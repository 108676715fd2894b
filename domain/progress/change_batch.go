package progress

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
)

// Timestamp is the logical time domain of a dataflow. The host engine only
// supports totally ordered times; the frontier of a set of times is its minimum.
type Timestamp interface {
	cmp.Ordered
}

// ErrNegativeCapability is returned when a delta would retire more
// capabilities at a timestamp than are outstanding.
var ErrNegativeCapability = errors.New("progress: negative capability count")

// Update is a signed change to the number of outstanding capabilities
// (or in-flight records) at Time.
type Update[T Timestamp] struct {
	Time  T
	Delta int64
}

func (u Update[T]) String() string {
	return fmt.Sprintf("(%v, %+d)", u.Time, u.Delta)
}

// ChangeBatch accumulates updates and cancels opposing deltas at the same time.
// The zero value is ready to use.
type ChangeBatch[T Timestamp] struct {
	counts map[T]int64
}

func NewChangeBatch[T Timestamp]() *ChangeBatch[T] {
	return &ChangeBatch[T]{}
}

// Update adds delta at t. Zero totals are dropped.
func (b *ChangeBatch[T]) Update(t T, delta int64) {
	if delta == 0 {
		return
	}
	if b.counts == nil {
		b.counts = make(map[T]int64)
	}
	n := b.counts[t] + delta
	if n == 0 {
		delete(b.counts, t)
		return
	}
	b.counts[t] = n
}

func (b *ChangeBatch[T]) Extend(updates []Update[T]) {
	for _, u := range updates {
		b.Update(u.Time, u.Delta)
	}
}

// Merge adds every update in other to b. other is left untouched.
func (b *ChangeBatch[T]) Merge(other *ChangeBatch[T]) {
	if other == nil {
		return
	}
	for t, d := range other.counts {
		b.Update(t, d)
	}
}

// Get returns the accumulated count at t.
func (b *ChangeBatch[T]) Get(t T) int64 {
	return b.counts[t]
}

func (b *ChangeBatch[T]) IsEmpty() bool {
	return len(b.counts) == 0
}

// Updates returns the non-zero updates ordered by time without clearing b.
func (b *ChangeBatch[T]) Updates() []Update[T] {
	if len(b.counts) == 0 {
		return nil
	}
	out := make([]Update[T], 0, len(b.counts))
	for t, d := range b.counts {
		out = append(out, Update[T]{Time: t, Delta: d})
	}
	slices.SortFunc(out, func(a, c Update[T]) int { return cmp.Compare(a.Time, c.Time) })
	return out
}

// Drain returns Updates and clears the batch.
func (b *ChangeBatch[T]) Drain() []Update[T] {
	out := b.Updates()
	b.Clear()
	return out
}

func (b *ChangeBatch[T]) Clear() {
	clear(b.counts)
}

// Frontier returns the least time with a positive count, if any.
func (b *ChangeBatch[T]) Frontier() (T, bool) {
	var (
		min   T
		found bool
	)
	for t, d := range b.counts {
		if d <= 0 {
			continue
		}
		if !found || t < min {
			min, found = t, true
		}
	}
	return min, found
}

// CheckNonNegative reports ErrNegativeCapability for the first time whose
// count dropped below zero.
func (b *ChangeBatch[T]) CheckNonNegative() error {
	for _, u := range b.Updates() {
		if u.Delta < 0 {
			return fmt.Errorf("%w: %v at %v", ErrNegativeCapability, u.Delta, u.Time)
		}
	}
	return nil
}

// FrontierDelta describes the change from frontier prev to next as ±1 updates.
// Each argument carries ok=false for the empty frontier.
func FrontierDelta[T Timestamp](prev T, prevOK bool, next T, nextOK bool) []Update[T] {
	if prevOK == nextOK && (!prevOK || prev == next) {
		return nil
	}
	var out []Update[T]
	if prevOK && nextOK && next < prev {
		out = append(out, Update[T]{Time: next, Delta: 1}, Update[T]{Time: prev, Delta: -1})
		return out
	}
	if prevOK {
		out = append(out, Update[T]{Time: prev, Delta: -1})
	}
	if nextOK {
		out = append(out, Update[T]{Time: next, Delta: 1})
	}
	return out
}
