package grpcapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/logging"
	"capflow/infra/metrics"
)

var (
	// ErrPublisherAborted is returned by Receiver.Next when a publish call
	// ended without the publisher closing its side cleanly.
	ErrPublisherAborted = errors.New("grpc: publisher aborted")
	ErrAlreadyPublished = errors.New("grpc: session already published")
)

type ReceiverOptions struct {
	QueueCapacity int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Receiver is the server side of one capture session and the Iterator a
// replay reads it from. Publish blocks while the queue is full.
type Receiver[T progress.Timestamp, D any] struct {
	codec   *codec.EventCodec[T, D]
	queue   chan []byte
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	started  bool
	finished bool
	err      error
}

func NewReceiver[T progress.Timestamp, D any](c *codec.EventCodec[T, D], opts ReceiverOptions) *Receiver[T, D] {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	return &Receiver[T, D]{
		codec:   c,
		queue:   make(chan []byte, opts.QueueCapacity),
		logger:  logging.OrDefault(opts.Logger).With("service", ServiceName),
		metrics: opts.Metrics,
	}
}

func (r *Receiver[T, D]) Publish(stream EventStream_PublishServer) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return status.Error(codes.AlreadyExists, ErrAlreadyPublished.Error())
	}
	r.started = true
	r.mu.Unlock()

	ctx := stream.Context()
	r.logger.Info("publisher connected")
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			r.finish(nil)
			r.logger.Info("publisher finished")
			return stream.SendAndClose(&emptypb.Empty{})
		}
		if err != nil {
			r.finish(fmt.Errorf("%w: %w", ErrPublisherAborted, err))
			r.logger.Warn("publisher aborted", "err", err)
			return err
		}

		select {
		case r.queue <- msg.GetValue():
			r.metrics.Read(backendLabel, len(msg.GetValue()))
		case <-ctx.Done():
			r.finish(fmt.Errorf("%w: %w", ErrPublisherAborted, ctx.Err()))
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

func (r *Receiver[T, D]) finish(err error) {
	r.mu.Lock()
	r.finished = true
	r.err = err
	r.mu.Unlock()
}

// Next returns a queued event without blocking.
func (r *Receiver[T, D]) Next() (event.Event[T, D], bool, error) {
	var zero event.Event[T, D]
	select {
	case frame := <-r.queue:
		e, n, err := r.codec.Decode(frame)
		if err == nil && n != len(frame) {
			err = fmt.Errorf("%w: %d trailing bytes", codec.ErrMalformed, len(frame)-n)
		}
		if errors.Is(err, codec.ErrIncomplete) {
			err = fmt.Errorf("%w: truncated frame", codec.ErrMalformed)
		}
		if err != nil {
			r.metrics.DecodeFailed(backendLabel)
			return zero, false, fmt.Errorf("grpc: decode: %w", err)
		}
		return e, true, nil
	default:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished && r.err != nil && len(r.queue) == 0 {
		return zero, false, r.err
	}
	return zero, false, nil
}

// Awaiting reports whether no publisher has connected yet.
func (r *Receiver[T, D]) Awaiting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.started
}

// Done reports whether the publisher finished cleanly and every queued
// event was returned.
func (r *Receiver[T, D]) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished && r.err == nil && len(r.queue) == 0
}
