// Package v1 declares the pdmlock.v1.LockService gRPC service. Every message
// is a google.protobuf.Struct, the field layout of each one is described by
// the helpers in messages.go.
package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	LockService_Acquire_FullMethodName   = "/pdmlock.v1.LockService/Acquire"
	LockService_Release_FullMethodName   = "/pdmlock.v1.LockService/Release"
	LockService_Locks_FullMethodName     = "/pdmlock.v1.LockService/Locks"
	LockService_Subscribe_FullMethodName = "/pdmlock.v1.LockService/Subscribe"
)

type LockServiceClient interface {
	Acquire(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Release(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Locks(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Subscribe(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[structpb.Struct, structpb.Struct], error)
}

type lockServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewLockServiceClient(cc grpc.ClientConnInterface) LockServiceClient {
	return &lockServiceClient{cc}
}

func (c *lockServiceClient) Acquire(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, LockService_Acquire_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) Release(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, LockService_Release_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) Locks(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, LockService_Locks_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *lockServiceClient) Subscribe(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[structpb.Struct, structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &LockService_ServiceDesc.Streams[0], LockService_Subscribe_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}, nil
}

// LockServiceServer is the server API for pdmlock.v1.LockService.
type LockServiceServer interface {
	Acquire(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Locks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Subscribe(grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error
}

// embed for forward compatibility
type UnimplementedLockServiceServer struct{}

func (UnimplementedLockServiceServer) Acquire(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Acquire not implemented")
}

func (UnimplementedLockServiceServer) Release(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Release not implemented")
}

func (UnimplementedLockServiceServer) Locks(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Locks not implemented")
}

func (UnimplementedLockServiceServer) Subscribe(grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method Subscribe not implemented")
}

func RegisterLockServiceServer(s grpc.ServiceRegistrar, srv LockServiceServer) {
	s.RegisterService(&LockService_ServiceDesc, srv)
}

func unaryHandler(method string, call func(LockServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LockServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(LockServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(LockServiceServer).Subscribe(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var LockService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "pdmlock.v1.LockService",
	HandlerType: (*LockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Acquire",
			Handler:    unaryHandler(LockService_Acquire_FullMethodName, LockServiceServer.Acquire),
		},
		{
			MethodName: "Release",
			Handler:    unaryHandler(LockService_Release_FullMethodName, LockServiceServer.Release),
		},
		{
			MethodName: "Locks",
			Handler:    unaryHandler(LockService_Locks_FullMethodName, LockServiceServer.Locks),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "pdmlock/v1/lock.proto",
}
