package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/sequence"
)

// Log is one capture session in the database. It is a Pusher; Close seals
// the session so cursors can report Done.
type Log[T progress.Timestamp, D any] struct {
	db      *DB
	session string
	codec   *codec.EventCodec[T, D]
	seq     sequence.Sequencer

	mu     sync.Mutex
	buf    []byte
	sealed bool
}

// NewLog opens session, resuming after the last stored sequence.
func NewLog[T progress.Timestamp, D any](db *DB, session string, c *codec.EventCodec[T, D]) (*Log[T, D], error) {
	if err := ValidateSession(session); err != nil {
		return nil, err
	}
	last, err := db.lastSeq(session)
	if err != nil {
		return nil, fmt.Errorf("store: recover %s: %w", session, err)
	}
	sealed, err := db.sealed(session)
	if err != nil {
		return nil, fmt.Errorf("store: recover %s: %w", session, err)
	}
	if last > 0 {
		db.logger.Info("session recovered", "session", session, "last_seq", last, "sealed", sealed)
	}
	l := &Log[T, D]{
		db:      db,
		session: session,
		codec:   c,
		sealed:  sealed,
	}
	l.seq.Resume(last)
	return l, nil
}

func (l *Log[T, D]) Session() string {
	return l.session
}

// Last returns the sequence of the newest entry.
func (l *Log[T, D]) Last() uint64 {
	return l.seq.Last()
}

func (l *Log[T, D]) Push(e event.Event[T, D]) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return ErrSealed
	}

	var err error
	l.buf, err = l.codec.Append(l.buf[:0], e)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", e.Kind, err)
	}
	seq := l.seq.Next()
	if err := l.db.db.Set(keyFor(l.session, seq), l.buf, l.db.write); err != nil {
		return fmt.Errorf("store: put %s/%d: %w", l.session, seq, err)
	}
	l.db.metrics.Wrote(backendLabel, len(l.buf))
	return nil
}

// Close seals the session. Entries already written stay readable.
func (l *Log[T, D]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return nil
	}
	if err := l.db.db.Set(sealKey(l.session), nil, pebble.Sync); err != nil {
		return fmt.Errorf("store: seal %s: %w", l.session, err)
	}
	l.sealed = true
	return nil
}

// TruncateBefore deletes every entry with a sequence below seq.
func (l *Log[T, D]) TruncateBefore(seq uint64) error {
	if seq == 0 {
		return nil
	}
	if err := l.db.db.DeleteRange(keyFor(l.session, 0), keyFor(l.session, seq), pebble.Sync); err != nil {
		return fmt.Errorf("store: truncate %s before %d: %w", l.session, seq, err)
	}
	return nil
}

// Cursor reads the session from its first retained entry.
func (l *Log[T, D]) Cursor() *Cursor[T, D] {
	return l.CursorAfter(0)
}

// CursorAfter reads entries with a sequence greater than seq.
func (l *Log[T, D]) CursorAfter(seq uint64) *Cursor[T, D] {
	return &Cursor[T, D]{db: l.db, session: l.session, codec: l.codec, pos: seq}
}

// Cursor iterates one session. It is an Iterator and a Finisher.
type Cursor[T progress.Timestamp, D any] struct {
	db      *DB
	session string
	codec   *codec.EventCodec[T, D]
	pos     uint64
	sealed  bool
}

// Position returns the sequence of the last entry returned.
func (c *Cursor[T, D]) Position() uint64 {
	return c.pos
}

func (c *Cursor[T, D]) Next() (event.Event[T, D], bool, error) {
	var zero event.Event[T, D]

	seq, val, ok, err := c.peek()
	if err != nil || !ok {
		return zero, false, err
	}
	e, n, err := c.codec.Decode(val)
	if err == nil && n != len(val) {
		err = fmt.Errorf("%w: %d trailing bytes", codec.ErrMalformed, len(val)-n)
	}
	if errors.Is(err, codec.ErrIncomplete) {
		err = fmt.Errorf("%w: truncated entry", codec.ErrMalformed)
	}
	if err != nil {
		c.db.metrics.DecodeFailed(backendLabel)
		return zero, false, fmt.Errorf("store: decode %s/%d: %w", c.session, seq, err)
	}
	c.db.metrics.Read(backendLabel, len(val))
	c.pos = seq
	return e, true, nil
}

// peek returns a copy of the first entry after the cursor.
func (c *Cursor[T, D]) peek() (uint64, []byte, bool, error) {
	iter, err := c.db.db.NewIter(&pebble.IterOptions{
		LowerBound: keyFor(c.session, c.pos+1),
		UpperBound: sessionUpper(c.session),
	})
	if err != nil {
		return 0, nil, false, fmt.Errorf("store: iterate %s: %w", c.session, err)
	}
	defer iter.Close()

	if !iter.First() {
		return 0, nil, false, iter.Error()
	}
	seq, err := parseKey(c.session, iter.Key())
	if err != nil {
		return 0, nil, false, err
	}
	val := append([]byte(nil), iter.Value()...)
	return seq, val, true, nil
}

// Done reports whether the session is sealed and the cursor has read every
// entry.
func (c *Cursor[T, D]) Done() bool {
	if !c.sealed {
		sealed, err := c.db.sealed(c.session)
		if err != nil || !sealed {
			return false
		}
		c.sealed = true
	}
	_, _, ok, err := c.peek()
	return err == nil && !ok
}
