// Package grpcapi carries a capture session over a client-streaming gRPC
// call. Each message is one wire frame wrapped in a BytesValue.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName          = "capflow.v1.EventStream"
	PublishMethod        = "/" + ServiceName + "/Publish"
	backendLabel         = "grpc"
	DefaultQueueCapacity = 1024
)

// EventStreamServer receives capture sessions.
type EventStreamServer interface {
	Publish(EventStream_PublishServer) error
}

type EventStream_PublishServer interface {
	SendAndClose(*emptypb.Empty) error
	Recv() (*wrapperspb.BytesValue, error)
	grpc.ServerStream
}

type publishServer struct {
	grpc.ServerStream
}

func (x *publishServer) SendAndClose(m *emptypb.Empty) error {
	return x.ServerStream.SendMsg(m)
}

func (x *publishServer) Recv() (*wrapperspb.BytesValue, error) {
	m := new(wrapperspb.BytesValue)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func publishHandler(srv any, stream grpc.ServerStream) error {
	return srv.(EventStreamServer).Publish(&publishServer{stream})
}

var EventStream_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EventStreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Publish",
			Handler:       publishHandler,
			ClientStreams: true,
		},
	},
	Metadata: "capflow/v1/event_stream.proto",
}

func RegisterEventStreamServer(s grpc.ServiceRegistrar, srv EventStreamServer) {
	s.RegisterService(&EventStream_ServiceDesc, srv)
}

// NewPublishStream opens the client side of a Publish call.
func NewPublishStream(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return cc.NewStream(ctx, &EventStream_ServiceDesc.Streams[0], PublishMethod, opts...)
}
