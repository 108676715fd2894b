package memory

import (
	"errors"
	"sync"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/sequence"
)

var (
	ErrSealed       = errors.New("memory: log is sealed")
	ErrCursorClosed = errors.New("memory: cursor is closed")
)

// Log is an append-only in-memory event log.
type Log[T progress.Timestamp, D any] struct {
	mu      sync.RWMutex
	seq     sequence.Sequencer
	base    uint64 // position of entries[0]
	entries []event.Event[T, D]
	cursors map[*Cursor[T, D]]struct{}
	sealed  bool
}

func NewLog[T progress.Timestamp, D any]() *Log[T, D] {
	return &Log[T, D]{
		entries: []event.Event[T, D]{event.Start[T, D]()},
		cursors: make(map[*Cursor[T, D]]struct{}),
	}
}

// Push appends e at the tail.
func (l *Log[T, D]) Push(e event.Event[T, D]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return ErrSealed
	}
	l.seq.Next()
	l.entries = append(l.entries, e)
	return nil
}

// Close seals the log. Cursors report Done once they consume the last entry.
func (l *Log[T, D]) Close() error {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
	return nil
}

// Last returns the position of the most recently appended event.
func (l *Log[T, D]) Last() uint64 {
	return l.seq.Last()
}

// Retained returns how many entries are held in memory.
func (l *Log[T, D]) Retained() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Cursor returns a cursor at the oldest retained position. On a log that was
// never compacted it observes every pushed event.
func (l *Log[T, D]) Cursor() *Cursor[T, D] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.register(l.base)
}

// TailCursor returns a cursor that observes only events pushed after the call.
func (l *Log[T, D]) TailCursor() *Cursor[T, D] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.register(l.seq.Last())
}

func (l *Log[T, D]) register(pos uint64) *Cursor[T, D] {
	c := &Cursor[T, D]{log: l, pos: pos}
	l.cursors[c] = struct{}{}
	return c
}

// Compact releases entries no live cursor can reach and returns how many were
// dropped. The entry at the slowest cursor's position is kept. Without live
// cursors only the last entry is kept.
func (l *Log[T, D]) Compact() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	min := l.seq.Last()
	for c := range l.cursors {
		if c.pos < min {
			min = c.pos
		}
	}
	drop := int(min - l.base)
	if drop <= 0 {
		return 0
	}
	kept := make([]event.Event[T, D], len(l.entries)-drop)
	copy(kept, l.entries[drop:])
	l.entries = kept
	l.base = min
	return drop
}

// Cursor is an independent consumer position in a Log.
type Cursor[T progress.Timestamp, D any] struct {
	log    *Log[T, D]
	pos    uint64 // last consumed position
	closed bool
}

// Next returns the event after the cursor's position, if one was appended.
func (c *Cursor[T, D]) Next() (event.Event[T, D], bool, error) {
	var zero event.Event[T, D]
	l := c.log
	l.mu.RLock()
	defer l.mu.RUnlock()
	if c.closed {
		return zero, false, ErrCursorClosed
	}
	idx := c.pos + 1 - l.base
	if idx >= uint64(len(l.entries)) {
		return zero, false, nil
	}
	c.pos++
	return l.entries[idx], true, nil
}

// Clone returns a new cursor at the same position.
func (c *Cursor[T, D]) Clone() *Cursor[T, D] {
	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.register(c.pos)
}

// Position returns the last consumed position.
func (c *Cursor[T, D]) Position() uint64 {
	c.log.mu.RLock()
	defer c.log.mu.RUnlock()
	return c.pos
}

// Done reports whether the log is sealed and the cursor consumed every entry.
func (c *Cursor[T, D]) Done() bool {
	l := c.log
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sealed && c.pos == l.seq.Last()
}

// Close releases the cursor so Compact may reclaim what it was holding.
func (c *Cursor[T, D]) Close() error {
	l := c.log
	l.mu.Lock()
	defer l.mu.Unlock()
	c.closed = true
	delete(l.cursors, c)
	return nil
}
