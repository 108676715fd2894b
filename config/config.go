// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"capflow/infra/store"
)

const (
	SourceGRPC    = "grpc"
	SourceKafka   = "kafka"
	SourceStdin   = "stdin"
	SourceSegment = "segment"
)

// Config holds every setting cmd/server reads. Backends that are not
// configured stay disabled.
type Config struct {
	LogLevel string `env:"CAPFLOW_LOG_LEVEL" envDefault:"info"`
	Session  string `env:"CAPFLOW_SESSION"   envDefault:"default"`
	// Source selects where the replayed session is read from: grpc, kafka,
	// a framed byte stream on stdin, or a segment directory.
	Source string `env:"CAPFLOW_SOURCE" envDefault:"grpc"`

	ChunkSize    int           `env:"CAPFLOW_CHUNK_SIZE"     envDefault:"1048576"`
	MaxFrameSize int           `env:"CAPFLOW_MAX_FRAME_SIZE" envDefault:"67108864"`
	ReadTimeout  time.Duration `env:"CAPFLOW_READ_TIMEOUT"   envDefault:"0s"`

	NegotiationAttempts int           `env:"CAPFLOW_NEGOTIATION_ATTEMPTS" envDefault:"1000"`
	NegotiationBackoff  time.Duration `env:"CAPFLOW_NEGOTIATION_BACKOFF"  envDefault:"1ms"`

	GRPCAddr      string `env:"CAPFLOW_GRPC_ADDR"      envDefault:":50051"`
	QueueCapacity int    `env:"CAPFLOW_QUEUE_CAPACITY" envDefault:"1024"`

	SegmentDir    string `env:"CAPFLOW_SEGMENT_DIR"`
	// SegmentOutDir, when set, re-captures the replayed session into rolling
	// segment files. Only the newest SegmentRetain files are kept; 0 keeps all.
	SegmentOutDir string `env:"CAPFLOW_SEGMENT_OUT_DIR"`
	SegmentSize   int64  `env:"CAPFLOW_SEGMENT_SIZE"   envDefault:"2097152"`
	SegmentRetain int    `env:"CAPFLOW_SEGMENT_RETAIN" envDefault:"0"`

	PebbleDir  string `env:"CAPFLOW_PEBBLE_DIR"`
	PebbleSync bool   `env:"CAPFLOW_PEBBLE_SYNC" envDefault:"true"`

	KafkaBrokers     []string      `env:"CAPFLOW_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string        `env:"CAPFLOW_KAFKA_TOPIC"   envDefault:"capflow.captures"`
	// Without a group the kafka source reads partition 0 from the first
	// offset and commits nothing.
	KafkaGroupID     string        `env:"CAPFLOW_KAFKA_GROUP_ID"`
	KafkaPollTimeout time.Duration `env:"CAPFLOW_KAFKA_POLL_TIMEOUT" envDefault:"10ms"`
	RelayInterval    time.Duration `env:"CAPFLOW_RELAY_INTERVAL"     envDefault:"250ms"`

	MetricsAddr string `env:"CAPFLOW_METRICS_ADDR"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if err := store.ValidateSession(c.Session); err != nil {
		errs = append(errs, fmt.Errorf("CAPFLOW_SESSION: %w", err))
	}
	switch c.Source {
	case SourceGRPC, SourceStdin:
	case SourceSegment:
		if c.SegmentDir == "" {
			errs = append(errs, errors.New("CAPFLOW_SOURCE=segment requires CAPFLOW_SEGMENT_DIR"))
		}
	case SourceKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("CAPFLOW_SOURCE=kafka requires CAPFLOW_KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("CAPFLOW_SOURCE must be one of grpc, kafka, stdin, segment; got %q", c.Source))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("CAPFLOW_CHUNK_SIZE must be positive, got %d", c.ChunkSize))
	}
	if c.MaxFrameSize < 64 {
		errs = append(errs, fmt.Errorf("CAPFLOW_MAX_FRAME_SIZE too small: %d", c.MaxFrameSize))
	}
	if c.NegotiationAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CAPFLOW_NEGOTIATION_ATTEMPTS must be positive, got %d", c.NegotiationAttempts))
	}
	if c.NegotiationBackoff < 0 || c.ReadTimeout < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	if c.SegmentSize <= 0 {
		errs = append(errs, fmt.Errorf("CAPFLOW_SEGMENT_SIZE must be positive, got %d", c.SegmentSize))
	}
	if c.SegmentRetain < 0 {
		errs = append(errs, fmt.Errorf("CAPFLOW_SEGMENT_RETAIN must not be negative, got %d", c.SegmentRetain))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("CAPFLOW_QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("CAPFLOW_KAFKA_TOPIC is required with CAPFLOW_KAFKA_BROKERS"))
	}
	return errors.Join(errs...)
}

// KafkaEnabled reports whether captured sessions are relayed to Kafka.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}
