// Package grpc implements controller.Controller over gRPC. Every rank runs a
// Mailbox service; sending a message is a unary Deliver call on the peer's
// mailbox, and receiving takes the next queued message for (peer, tag).
// A mailbox belongs to a single run of the pipeline.
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	mailboxServiceName = "tessera.controller.v1.Mailbox"
	deliverMethod      = "/tessera.controller.v1.Mailbox/Deliver"

	sourceMetadataKey = "x-tessera-source"
	tagMetadataKey    = "x-tessera-tag"
)

// MailboxServer is the server API for the Mailbox service.
type MailboxServer interface {
	Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MailboxServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MailboxServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// MailboxServiceDesc describes the Mailbox service. The messages are the well
// known BytesValue and Empty types, so no generated code is needed.
var MailboxServiceDesc = grpc.ServiceDesc{
	ServiceName: mailboxServiceName,
	HandlerType: (*MailboxServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tessera/controller/v1/mailbox.proto",
}

func RegisterMailboxServer(s grpc.ServiceRegistrar, srv MailboxServer) {
	s.RegisterService(&MailboxServiceDesc, srv)
}
