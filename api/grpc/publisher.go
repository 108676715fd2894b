package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"capflow/domain/event"
	"capflow/domain/progress"
	"capflow/infra/codec"
	"capflow/infra/metrics"
)

// Publisher sends events on one Publish call. Close half-closes the call
// and waits for the server to acknowledge the session.
type Publisher[T progress.Timestamp, D any] struct {
	stream  grpc.ClientStream
	codec   *codec.EventCodec[T, D]
	metrics *metrics.Metrics
	closed  bool
}

func NewPublisher[T progress.Timestamp, D any](ctx context.Context, cc grpc.ClientConnInterface, c *codec.EventCodec[T, D], m *metrics.Metrics) (*Publisher[T, D], error) {
	stream, err := NewPublishStream(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("grpc: open publish: %w", err)
	}
	return &Publisher[T, D]{stream: stream, codec: c, metrics: m}, nil
}

func (p *Publisher[T, D]) Push(e event.Event[T, D]) error {
	frame, err := p.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("grpc: encode %s: %w", e.Kind, err)
	}
	if err := p.stream.SendMsg(&wrapperspb.BytesValue{Value: frame}); err != nil {
		// The real status is only available from RecvMsg once the stream broke.
		if errors.Is(err, io.EOF) {
			err = p.stream.RecvMsg(new(emptypb.Empty))
		}
		return fmt.Errorf("grpc: send %s: %w", e.Kind, err)
	}
	p.metrics.Wrote(backendLabel, len(frame))
	return nil
}

func (p *Publisher[T, D]) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.stream.CloseSend(); err != nil {
		return fmt.Errorf("grpc: close send: %w", err)
	}
	if err := p.stream.RecvMsg(new(emptypb.Empty)); err != nil {
		return fmt.Errorf("grpc: await ack: %w", err)
	}
	return nil
}
