package stream

import (
	"fmt"
	"io"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/metrics"
)

// Writer records events to a byte sink, one frame per Write call.
type Writer[T progress.Timestamp, D any] struct {
	dst     io.Writer
	codec   *codec.EventCodec[T, D]
	buf     []byte
	metrics *metrics.Metrics
}

func NewWriter[T progress.Timestamp, D any](dst io.Writer, c *codec.EventCodec[T, D], opts ...Option) *Writer[T, D] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Writer[T, D]{dst: dst, codec: c, metrics: o.metrics}
}

// Push encodes e into the scratch buffer and writes the whole frame. A write
// error leaves the sink in an unknown state and must be treated as fatal.
func (w *Writer[T, D]) Push(e event.Event[T, D]) error {
	buf, err := w.codec.Append(w.buf[:0], e)
	if err != nil {
		return fmt.Errorf("stream: encode %s: %w", e.Kind, err)
	}
	n, err := w.dst.Write(buf)
	w.buf = buf[:0]
	w.metrics.Wrote(backendLabel, n)
	if err != nil {
		return fmt.Errorf("stream: write: %w", err)
	}
	return nil
}

// Close closes the sink when it is an io.Closer.
func (w *Writer[T, D]) Close() error {
	if c, ok := w.dst.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
