package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/logging"
)

// Consumer reads framed events from Kafka. Next waits at most the poll
// timeout for a message and reports "none" when none arrived.
type Consumer[T progress.Timestamp, D any] struct {
	reader MessageReader
	codec  *codec.EventCodec[T, D]
	cfg    Config
	logger *slog.Logger
	closed bool
}

func NewConsumer[T progress.Timestamp, D any](r MessageReader, c *codec.EventCodec[T, D], cfg Config) *Consumer[T, D] {
	cfg = cfg.withDefaults()
	return &Consumer[T, D]{
		reader: r,
		codec:  c,
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger).With("topic", cfg.Topic, "session", cfg.Session),
	}
}

func (c *Consumer[T, D]) Next() (event.Event[T, D], bool, error) {
	var zero event.Event[T, D]
	if c.closed {
		return zero, false, nil
	}

	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PollTimeout)
		msg, err := c.reader.FetchMessage(ctx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded):
			return zero, false, nil
		case errors.Is(err, io.EOF):
			c.closed = true
			return zero, false, nil
		default:
			return zero, false, fmt.Errorf("kafka: fetch: %w", err)
		}

		if c.cfg.Session != "" && string(msg.Key) != c.cfg.Session {
			if err := c.commit(msg); err != nil {
				return zero, false, err
			}
			continue
		}

		e, n, err := c.codec.Decode(msg.Value)
		if err == nil && n != len(msg.Value) {
			err = fmt.Errorf("%w: %d trailing bytes", codec.ErrMalformed, len(msg.Value)-n)
		}
		if errors.Is(err, codec.ErrIncomplete) {
			err = fmt.Errorf("%w: truncated message", codec.ErrMalformed)
		}
		if err != nil {
			c.cfg.Metrics.DecodeFailed(backendLabel)
			c.logger.Error("bad message", "partition", msg.Partition, "offset", msg.Offset, "err", err)
			return zero, false, fmt.Errorf("kafka: decode partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		}
		c.cfg.Metrics.Read(backendLabel, len(msg.Value))
		if err := c.commit(msg); err != nil {
			return zero, false, err
		}
		return e, true, nil
	}
}

// commit acknowledges msg to the consumer group. A reader outside a group
// tracks its own offset and has nothing to commit.
func (c *Consumer[T, D]) commit(msg kafka.Message) error {
	if c.cfg.GroupID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Done reports whether the underlying reader has been closed.
func (c *Consumer[T, D]) Done() bool {
	return c.closed
}

func (c *Consumer[T, D]) Close() error {
	return c.reader.Close()
}
