// Package relay republishes a capture session from any event iterator to a
// Kafka topic in the background, one framed message per event.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/logging"
	"capflow/infra/metrics"
)

const (
	backendLabel    = "relay"
	DefaultInterval = 250 * time.Millisecond
)

type Options struct {
	Session  string
	Interval time.Duration
	// Trim, if set, runs after every drain that published events without a
	// failure, so the source can release what the broker now holds.
	Trim     func() error
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Relay[T progress.Timestamp, D any] struct {
	source   event.Iterator[T, D]
	producer sarama.SyncProducer
	topic    string
	codec    *codec.EventCodec[T, D]
	opts     Options
	logger   *slog.Logger

	// pending holds an event whose send failed, so it is retried first.
	pending *event.Event[T, D]
	sent    uint64
}

// NewProducer returns a sarama producer that waits for all in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	return sarama.NewSyncProducer(brokers, cfg)
}

func New[T progress.Timestamp, D any](
	source event.Iterator[T, D],
	producer sarama.SyncProducer,
	topic string,
	c *codec.EventCodec[T, D],
	opts Options,
) *Relay[T, D] {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Relay[T, D]{
		source:   source,
		producer: producer,
		topic:    topic,
		codec:    c,
		opts:     opts,
		logger:   logging.OrDefault(opts.Logger).With("job", "relay", "topic", topic),
	}
}

// Sent returns how many events were acknowledged by the broker.
func (r *Relay[T, D]) Sent() uint64 {
	return r.sent
}

// DrainOnce publishes every event the source has available now. It stops
// at the first failure; the failed event is retried on the next call.
func (r *Relay[T, D]) DrainOnce() (int, error) {
	n := 0
	for {
		var e event.Event[T, D]
		if r.pending != nil {
			e = *r.pending
		} else {
			next, ok, err := r.source.Next()
			if err != nil {
				return n, fmt.Errorf("relay: read: %w", err)
			}
			if !ok {
				return n, r.trim(n)
			}
			e = next
		}

		if err := r.send(e); err != nil {
			r.pending = &e
			return n, err
		}
		r.pending = nil
		r.sent++
		n++
	}
}

func (r *Relay[T, D]) trim(published int) error {
	if published == 0 || r.opts.Trim == nil {
		return nil
	}
	if err := r.opts.Trim(); err != nil {
		return fmt.Errorf("relay: trim: %w", err)
	}
	return nil
}

func (r *Relay[T, D]) send(e event.Event[T, D]) error {
	frame, err := r.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", e.Kind, err)
	}
	msg := &sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(r.opts.Session),
		Value: sarama.ByteEncoder(frame),
		Headers: []sarama.RecordHeader{
			{Key: []byte("kind"), Value: []byte(e.Kind.String())},
		},
	}
	if _, _, err := r.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("relay: send %s: %w", e.Kind, err)
	}
	r.opts.Metrics.Wrote(backendLabel, len(frame))
	return nil
}

// Run drains on every tick until ctx ends or the source is finished.
// Failures are logged and retried on the next tick.
func (r *Relay[T, D]) Run(ctx context.Context) error {
	r.logger.Info("relay started")
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.DrainOnce(); err != nil {
			r.logger.Warn("drain failed", "err", err)
		} else if f, ok := r.source.(event.Finisher); ok && f.Done() {
			r.logger.Info("source finished", "sent", r.sent)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Relay[T, D]) Close() error {
	return r.producer.Close()
}
