package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/logging"
)

// Producer publishes events as framed Kafka messages.
type Producer[T progress.Timestamp, D any] struct {
	writer MessageWriter
	codec  *codec.EventCodec[T, D]
	cfg    Config
	logger *slog.Logger
}

func NewProducer[T progress.Timestamp, D any](w MessageWriter, c *codec.EventCodec[T, D], cfg Config) *Producer[T, D] {
	cfg = cfg.withDefaults()
	return &Producer[T, D]{
		writer: w,
		codec:  c,
		cfg:    cfg,
		logger: logging.OrDefault(cfg.Logger).With("topic", cfg.Topic, "session", cfg.Session),
	}
}

func (p *Producer[T, D]) Push(e event.Event[T, D]) error {
	frame, err := p.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", e.Kind, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(p.cfg.Session),
		Value:   frame,
		Headers: []kafka.Header{{Key: kindHeader, Value: []byte(e.Kind.String())}},
	})
	if err != nil {
		p.logger.Error("publish failed", "kind", e.Kind.String(), "err", err)
		return fmt.Errorf("kafka: write %s: %w", e.Kind, err)
	}
	p.cfg.Metrics.Wrote(backendLabel, len(frame))
	return nil
}

func (p *Producer[T, D]) Close() error {
	return p.writer.Close()
}
