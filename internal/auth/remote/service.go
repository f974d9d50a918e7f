// Package remote exposes the revocation registry over gRPC and provides a
// client that relying services use as their auth.RevocationStore.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tokengate.v1.RevocationService"

const (
	isRevokedMethod = "/" + ServiceName + "/IsRevoked"
	revokeMethod    = "/" + ServiceName + "/Revoke"
)

// RevocationServer is implemented by the token service.
type RevocationServer interface {
	IsRevoked(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	Revoke(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv RevocationServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RevocationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IsRevoked", Handler: isRevokedHandler},
		{MethodName: "Revoke", Handler: revokeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tokengate/v1/revocation.proto",
}

func isRevokedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RevocationServer).IsRevoked(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: isRevokedMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RevocationServer).IsRevoked(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func revokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RevocationServer).Revoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: revokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RevocationServer).Revoke(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
