package server

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/meta"
)

// GRPCServerOptions installs the crpc service on a grpc.Server. Methods are routed by
// name, see backend.FullMethod, so no generated service descriptor is needed.
func (s *Server) GRPCServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.UnknownServiceHandler(s.handleStream),
	}
}

// RegisterHealth registers the health service of this server on srv.
func (s *Server) RegisterHealth(srv *grpc.Server) {
	healthv1pb.RegisterHealthServer(srv, s.HealthChecker())
}

func (s *Server) handleStream(_ any, stream grpc.ServerStream) error {
	method, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "method name not found in stream")
	}
	service, name, ok := backend.ParseFullMethod(method)
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method %s", method)
	}

	var args json.RawMessage
	if err := stream.RecvMsg(&args); err != nil {
		return err
	}
	input, err := decodeArgs(args)
	if err != nil {
		return crpcerrors.BadRequestError(err).WithFunction(name).GRPCStatus().Err()
	}

	if service == backend.SubscribeService {
		return s.streamSubscription(stream, name, input)
	}

	kind := meta.Kind(service)
	if !kind.Valid() {
		return crpcerrors.UnknownFunctionError(name).GRPCStatus().Err()
	}

	ctx, cancel := context.WithTimeout(stream.Context(), s.upstreamTimeout)
	defer cancel()

	out, err := s.backend.Call(ctx, kind, name, input)
	if err != nil {
		return publicError(err).GRPCStatus().Err()
	}
	return stream.SendMsg(out)
}

// streamSubscription sends every value of a live query as one message. A query error
// ends the stream with that error's status.
func (s *Server) streamSubscription(stream grpc.ServerStream, name string, args any) error {
	ctx, span := tracer.Start(stream.Context(), "crpc.subscribe", trace.WithAttributes(
		attribute.String("crpc.function", name),
	))
	defer span.End()

	updates, done := make(chan backend.Update), make(chan struct{})
	defer close(done)

	sub, err := s.backend.Subscribe(ctx, name, args, forward(updates, done))
	if err != nil {
		return publicError(err).GRPCStatus().Err()
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		case u := <-updates:
			if u.Err != nil {
				return publicError(u.Err).GRPCStatus().Err()
			}
			if err := stream.SendMsg(u.Value); err != nil {
				return err
			}
		}
	}
}
