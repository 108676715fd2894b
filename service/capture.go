package service

import (
	"fmt"
	"io"
	"log/slog"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/engine"
	"capflow/infra/logging"
	"capflow/infra/metrics"
)

type CaptureOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type captureOp[T progress.Timestamp, D any] struct {
	input   *engine.Input[T, D]
	pusher  event.Pusher[T, D]
	logger  *slog.Logger
	metrics *metrics.Metrics

	frontier progress.ChangeBatch[T]
	closed   bool
}

// Capture attaches a sink to st that pushes every record bundle and every
// change to st's frontier into p. Once the frontier is empty p is closed if
// it implements io.Closer.
func Capture[T progress.Timestamp, D any](st engine.Stream[T, D], p event.Pusher[T, D], opts CaptureOptions) {
	op := &captureOp[T, D]{
		pusher:  p,
		logger:  logging.OrDefault(opts.Logger).With("operator", "Capture"),
		metrics: opts.Metrics,
	}
	idx := st.Scope().AddOperator(op)
	op.input = st.ConnectTo(idx, 0)
}

func (c *captureOp[T, D]) Name() string { return "Capture" }
func (c *captureOp[T, D]) Inputs() int  { return 1 }
func (c *captureOp[T, D]) Outputs() int { return 0 }

func (c *captureOp[T, D]) InternalSummary() ([]*progress.ChangeBatch[T], error) {
	return nil, nil
}

func (c *captureOp[T, D]) SetExternalSummary(frontier []*progress.ChangeBatch[T]) error {
	return c.pushProgress(frontier[0])
}

func (c *captureOp[T, D]) PushExternalProgress(frontier []*progress.ChangeBatch[T]) error {
	return c.pushProgress(frontier[0])
}

func (c *captureOp[T, D]) pushProgress(delta *progress.ChangeBatch[T]) error {
	if c.closed {
		if !delta.IsEmpty() {
			return fmt.Errorf("capture: progress after close: %v", delta.Updates())
		}
		return nil
	}
	c.frontier.Merge(delta)
	if err := c.push(event.Progress[T, D](delta.Drain())); err != nil {
		return err
	}
	if _, ok := c.frontier.Frontier(); ok {
		return nil
	}
	c.closed = true
	closer, ok := c.pusher.(io.Closer)
	if !ok {
		return nil
	}
	c.logger.Debug("input complete, closing sink")
	if err := closer.Close(); err != nil {
		return fmt.Errorf("capture: close sink: %w", err)
	}
	return nil
}

func (c *captureOp[T, D]) push(e event.Event[T, D]) error {
	if err := c.pusher.Push(e); err != nil {
		c.logger.Error("push failed", "kind", e.Kind.String(), "err", err)
		return fmt.Errorf("capture: push %s: %w", e.Kind, err)
	}
	c.metrics.Captured(e.Kind.String())
	return nil
}

func (c *captureOp[T, D]) PullInternalProgress(consumed, _, _ []*progress.ChangeBatch[T]) (bool, error) {
	for {
		b, ok := c.input.Next()
		if !ok {
			break
		}
		if err := c.push(event.Messages(b.Time, b.Data)); err != nil {
			c.input.PullProgress(consumed[0])
			return false, err
		}
	}
	c.input.PullProgress(consumed[0])
	return false, nil
}
