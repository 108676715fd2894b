// Package kafka carries capture sessions over a Kafka topic with
// segmentio/kafka-go. Each event is one message keyed by session name, so a
// session stays ordered within its partition.
package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"capflow/infra/metrics"
)

const (
	backendLabel = "kafka"
	kindHeader   = "kind"

	DefaultWriteTimeout = 5 * time.Second
	DefaultPollTimeout  = 10 * time.Millisecond
)

// MessageWriter is the part of *kafka.Writer a Producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the part of *kafka.Reader a Consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// Session keys produced messages and filters consumed ones. A consumer
	// with an empty Session accepts every key.
	Session      string
	WriteTimeout time.Duration
	PollTimeout  time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	return c
}

// NewWriter returns a synchronous writer that waits for every in-sync
// replica.
func NewWriter(cfg Config) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 64 << 20,
	})
}
