package stream

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/metrics"
)

type deadliner interface {
	SetReadDeadline(time.Time) error
}

// Reader replays events from a byte source.
//
// Each call to Next either decodes one buffered frame or performs at most
// one read from the source. Blocking behaviour is the source's unless a read
// timeout is configured.
type Reader[T progress.Timestamp, D any] struct {
	src      io.Reader
	codec    *codec.EventCodec[T, D]
	buf      []byte
	consumed int
	chunk    []byte
	timeout  time.Duration
	eof      bool
	metrics  *metrics.Metrics
}

func NewReader[T progress.Timestamp, D any](src io.Reader, c *codec.EventCodec[T, D], opts ...Option) *Reader[T, D] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Reader[T, D]{
		src:     src,
		codec:   c,
		chunk:   make([]byte, o.chunkSize),
		timeout: o.readTimeout,
		metrics: o.metrics,
	}
}

// Next returns the next buffered event. When no whole frame is buffered it
// compacts the buffer, reads once, and reports "none" for this call.
// Malformed frames, read failures and a truncated final frame are errors.
func (r *Reader[T, D]) Next() (event.Event[T, D], bool, error) {
	var zero event.Event[T, D]

	e, n, err := r.codec.Decode(r.buf[r.consumed:])
	if err == nil {
		r.consumed += n
		return e, true, nil
	}
	if !errors.Is(err, codec.ErrIncomplete) {
		r.metrics.DecodeFailed(backendLabel)
		return zero, false, fmt.Errorf("stream: decode at offset %d: %w", r.consumed, err)
	}

	if r.eof {
		if rest := len(r.buf) - r.consumed; rest > 0 {
			return zero, false, fmt.Errorf("stream: %d bytes of partial frame at end of input: %w", rest, io.ErrUnexpectedEOF)
		}
		return zero, false, nil
	}

	r.compact()
	if err := r.fill(); err != nil {
		return zero, false, err
	}
	return zero, false, nil
}

// Done reports whether the source hit EOF and every buffered frame was
// returned.
func (r *Reader[T, D]) Done() bool {
	return r.eof && r.consumed == len(r.buf)
}

// Buffered returns the number of received bytes not yet decoded.
func (r *Reader[T, D]) Buffered() int {
	return len(r.buf) - r.consumed
}

// Close closes the source when it is an io.Closer.
func (r *Reader[T, D]) Close() error {
	if c, ok := r.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Reader[T, D]) compact() {
	if r.consumed == 0 {
		return
	}
	n := copy(r.buf, r.buf[r.consumed:])
	r.buf = r.buf[:n]
	r.consumed = 0
}

func (r *Reader[T, D]) fill() error {
	if r.timeout > 0 {
		if d, ok := r.src.(deadliner); ok {
			if err := d.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
				return fmt.Errorf("stream: set read deadline: %w", err)
			}
		}
	}

	n, err := r.src.Read(r.chunk)
	r.buf = append(r.buf, r.chunk[:n]...)
	r.metrics.Read(backendLabel, n)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		r.eof = true
		return nil
	case isTimeout(err):
		return nil
	default:
		return fmt.Errorf("stream: read: %w", err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
