package rpc

import (
	"context"

	"github.com/threadkeep/threadkeep/internal/resumer/wire"
	"google.golang.org/grpc"
)

// IdentityUnaryInterceptor copies caller identity from metadata onto the
// request context.
func IdentityUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		return handler(wire.IdentityFromIncoming(ctx), req)
	}
}

// IdentityStreamInterceptor copies caller identity from metadata onto the
// stream context.
func IdentityStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return handler(srv, &identityStream{ServerStream: ss, ctx: wire.IdentityFromIncoming(ss.Context())})
	}
}

type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context { return s.ctx }
