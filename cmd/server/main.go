package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"

	grpcapi "capflow/api/grpc"
	"capflow/config"
	"capflow/domain/event"
	"capflow/engine"
	"capflow/infra/codec"
	"capflow/infra/kafka"
	"capflow/infra/logging"
	"capflow/infra/memory"
	"capflow/infra/metrics"
	"capflow/infra/segment"
	"capflow/infra/store"
	"capflow/infra/stream"
	"capflow/jobs/relay"
	"capflow/service"
)

// Records are opaque bytes stamped with uint64 logical times.
type (
	timestamp = uint64
	record    = []byte
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("capflow", logging.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- Metrics ----------------

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error("metrics server exited", "err", err)
			}
		}()
	}

	frames := codec.NewEventCodec[timestamp, record](
		codec.Uint64{}, codec.Bytes{},
		codec.WithMaxFrameSize(cfg.MaxFrameSize),
	)

	// ---------------- Source ----------------

	source, closeSource, err := openSource(ctx, cfg, frames, m, logger)
	if err != nil {
		log.Fatalf("source init failed: %v", err)
	}
	defer closeSource()

	// ---------------- Dataflow ----------------

	worker := engine.NewWorker(engine.WithLogger(logger))
	scope := engine.NewScope[timestamp](worker, cfg.Session)
	replayed := service.Replay(scope, source, service.ReplayOptions{
		NegotiationAttempts: cfg.NegotiationAttempts,
		NegotiationBackoff:  cfg.NegotiationBackoff,
		Context:             ctx,
		Logger:              logger,
		Metrics:             m,
	})

	var records int
	probe := engine.Inspect(replayed, func(t timestamp, data []record) {
		records += len(data)
		logger.Debug("records", "time", t, "count", len(data))
	})

	// ---------------- Sinks ----------------

	var durable *store.Log[timestamp, record]
	if cfg.PebbleDir != "" {
		db, err := store.Open(store.Options{Dir: cfg.PebbleDir, Sync: cfg.PebbleSync, Logger: logger, Metrics: m})
		if err != nil {
			log.Fatalf("pebble init failed: %v", err)
		}
		defer db.Close()
		durable, err = store.NewLog(db, cfg.Session, frames)
		if err != nil {
			log.Fatalf("pebble session init failed: %v", err)
		}
		service.Capture(replayed, durable, service.CaptureOptions{Logger: logger, Metrics: m})
	}

	if cfg.SegmentOutDir != "" {
		w, err := segment.Create(segment.Config{
			Dir:         cfg.SegmentOutDir,
			SegmentSize: cfg.SegmentSize,
			Retain:      cfg.SegmentRetain,
		})
		if err != nil {
			log.Fatalf("segment output init failed: %v", err)
		}
		service.Capture(replayed, stream.NewWriter(w, frames, stream.WithMetrics(m)),
			service.CaptureOptions{Logger: logger, Metrics: m})
	}

	var relayDone chan error
	if cfg.KafkaEnabled() && cfg.Source != config.SourceKafka {
		producer, err := relay.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			log.Fatalf("kafka producer init failed: %v", err)
		}
		opts := relay.Options{
			Session:  cfg.Session,
			Interval: cfg.RelayInterval,
			Logger:   logger,
			Metrics:  m,
		}

		// With pebble the session is the relay's outbox: acknowledged
		// entries are deleted, and a restart resumes with the rest.
		// Without it a memory log buffers what Kafka has not yet taken.
		var source event.Iterator[timestamp, record]
		if durable != nil {
			cursor := durable.Cursor()
			opts.Trim = func() error { return durable.TruncateBefore(cursor.Position() + 1) }
			source = cursor
		} else {
			shared := memory.NewLog[timestamp, record]()
			opts.Trim = func() error {
				shared.Compact()
				return nil
			}
			source = shared.Cursor()
			service.Capture(replayed, shared, service.CaptureOptions{Logger: logger, Metrics: m})
		}
		job := relay.New(source, producer, cfg.KafkaTopic, frames, opts)
		defer job.Close()

		relayDone = make(chan error, 1)
		go func() { relayDone <- job.Run(ctx) }()
	}

	if err := scope.Build(); err != nil {
		log.Fatalf("dataflow build failed: %v", err)
	}

	if err := worker.Run(ctx); err != nil {
		if errors.Is(err, engine.ErrIncomplete) {
			f, _ := probe.Frontier()
			logger.Warn("stopped before the session completed", "frontier", f, "records", records)
			return
		}
		log.Fatalf("dataflow failed: %v", err)
	}
	logger.Info("session replayed", "session", cfg.Session, "records", records)

	if relayDone != nil {
		if err := <-relayDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("relay stopped", "err", err)
		}
	}
}

func openSource(
	ctx context.Context,
	cfg config.Config,
	frames *codec.EventCodec[timestamp, record],
	m *metrics.Metrics,
	logger *slog.Logger,
) (event.Iterator[timestamp, record], func(), error) {
	switch cfg.Source {
	case config.SourceKafka:
		kcfg := kafka.Config{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaTopic,
			GroupID:     cfg.KafkaGroupID,
			Session:     cfg.Session,
			PollTimeout: cfg.KafkaPollTimeout,
			Logger:      logger,
			Metrics:     m,
		}
		consumer := kafka.NewConsumer(kafka.NewReader(kcfg), frames, kcfg)
		return consumer, func() { _ = consumer.Close() }, nil

	case config.SourceSegment:
		src, err := segment.OpenReader(cfg.SegmentDir)
		if err != nil {
			return nil, nil, err
		}
		r := stream.NewReader(src, frames, stream.WithChunkSize(cfg.ChunkSize), stream.WithMetrics(m))
		return r, func() { _ = r.Close() }, nil

	case config.SourceStdin:
		r := stream.NewReader(os.Stdin, frames,
			stream.WithChunkSize(cfg.ChunkSize),
			stream.WithReadTimeout(cfg.ReadTimeout),
			stream.WithMetrics(m),
		)
		return r, func() {}, nil

	default:
		recv := grpcapi.NewReceiver(frames, grpcapi.ReceiverOptions{
			QueueCapacity: cfg.QueueCapacity,
			Logger:        logger,
			Metrics:       m,
		})
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return nil, nil, err
		}
		srv := grpc.NewServer()
		grpcapi.RegisterEventStreamServer(srv, recv)
		go func() {
			if err := srv.Serve(lis); err != nil {
				logger.Error("gRPC server exited", "err", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.GracefulStop()
		}()
		logger.Info("waiting for publisher", "addr", cfg.GRPCAddr)
		return recv, srv.Stop, nil
	}
}
