package grpc

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tessera-io/tessera/pkg/logger"
)

// NewServer returns a gRPC server exposing mailbox. Panics in handlers are
// logged and turned into Internal errors.
func NewServer(mailbox *Mailbox, log logger.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = logger.NewNoopLogger()
	}

	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			recovery.UnaryServerInterceptor(
				recovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
					log.ErrorWithContext(ctx, "panic recovered in mailbox", zap.Any("panic", p))
					return status.Error(codes.Internal, fmt.Sprintf("%v", p))
				}),
			),
		),
	}
	serverOpts = append(serverOpts, opts...)

	s := grpc.NewServer(serverOpts...)
	RegisterMailboxServer(s, mailbox)
	return s
}
