// Package grpcbackend implements backend.Backend against a remote crpc gRPC server.
package grpcbackend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/session"
)

// TokenFunc returns the bearer token to send with a call, if any.
type TokenFunc func(ctx context.Context) (string, bool)

// Client talks to a crpc server over a gRPC connection. Messages use backend.Codec.
type Client struct {
	conn   grpc.ClientConnInterface
	token  TokenFunc
	logger logger.Logger
}

var _ backend.Backend = (*Client)(nil)

type Option func(*Client)

// WithTokenFunc overrides how bearer tokens are found. By default the token stored by
// session.ContextWithToken is used.
func WithTokenFunc(f TokenFunc) Option {
	return func(c *Client) {
		c.token = f
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New returns a client using conn. The caller owns conn.
func New(conn grpc.ClientConnInterface, opts ...Option) *Client {
	c := &Client{
		conn:   conn,
		token:  session.TokenFromContext,
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if token, ok := c.token(ctx); ok && token != "" {
		return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	return ctx
}

// Call invokes the unary method of name.
func (c *Client) Call(ctx context.Context, kind meta.Kind, name string, args any) (any, error) {
	in, err := encodeArgs(args)
	if err != nil {
		return nil, crpcerrors.BadRequestError(err).WithFunction(name)
	}

	var out json.RawMessage
	err = c.conn.Invoke(c.outgoing(ctx), backend.FullMethod(kind, name), in, &out, grpc.ForceCodec(backend.Codec{}))
	if err != nil {
		return nil, callError(ctx, name, err)
	}
	if len(out) == 0 || string(out) == "null" {
		return nil, nil
	}
	return out, nil
}

func callError(ctx context.Context, name string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		return crpcerrors.With(err, crpcerrors.New(crpcerrors.Internal, "backend unreachable").WithFunction(name))
	}
	apiErr := crpcerrors.FromGRPCStatus(st)
	if apiErr.FunctionName == "" {
		apiErr = apiErr.WithFunction(name)
	}
	return apiErr
}

func encodeArgs(args any) (json.RawMessage, error) {
	if args == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(args)
}

// Subscribe opens the server stream of name. It waits for the first result so that an
// unknown function fails here rather than as an update. The stream is not retried; a
// dropped connection is delivered as an error update.
func (c *Client) Subscribe(ctx context.Context, name string, args any, onUpdate backend.UpdateFunc) (backend.Subscription, error) {
	in, err := encodeArgs(args)
	if err != nil {
		return nil, crpcerrors.BadRequestError(err).WithFunction(name)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	desc := &grpc.StreamDesc{StreamName: name, ServerStreams: true}
	cs, err := c.conn.NewStream(c.outgoing(streamCtx), desc, backend.SubscribeMethod(name), grpc.ForceCodec(backend.Codec{}))
	if err != nil {
		cancel()
		return nil, callError(ctx, name, err)
	}
	if err := cs.SendMsg(in); err != nil && !errors.Is(err, io.EOF) {
		cancel()
		return nil, callError(ctx, name, err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, callError(ctx, name, err)
	}

	first := backend.Update{}
	var msg json.RawMessage
	if err := cs.RecvMsg(&msg); err != nil {
		err = streamError(name, err)
		if errors.Is(err, crpcerrors.ErrUnknownFunction) {
			cancel()
			return nil, err
		}
		first.Err = err
	} else {
		first.Value = msg
	}

	s := &stream{name: name, stream: cs, cancel: cancel, logger: c.logger}
	go s.read(first, onUpdate)
	return s, nil
}

func streamError(name string, err error) error {
	if errors.Is(err, io.EOF) {
		return crpcerrors.With(io.ErrUnexpectedEOF, crpcerrors.New(crpcerrors.Internal, "subscription stream interrupted").WithFunction(name))
	}
	st, ok := status.FromError(err)
	if !ok {
		return crpcerrors.With(err, crpcerrors.New(crpcerrors.Internal, "subscription stream interrupted").WithFunction(name))
	}
	apiErr := crpcerrors.FromGRPCStatus(st)
	if apiErr.FunctionName == "" {
		apiErr = apiErr.WithFunction(name)
	}
	return apiErr
}

type stream struct {
	name   string
	stream grpc.ClientStream
	cancel context.CancelFunc
	logger logger.Logger

	mu     sync.Mutex
	closed bool
}

func (s *stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *stream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stream) read(first backend.Update, onUpdate backend.UpdateFunc) {
	defer s.cancel()

	u := first
	for {
		if s.isClosed() {
			return
		}
		onUpdate(u)
		if u.Err != nil {
			return
		}

		var msg json.RawMessage
		if err := s.stream.RecvMsg(&msg); err != nil {
			if s.isClosed() {
				return
			}
			s.logger.Debug("subscription stream ended", zap.String("function", s.name), zap.Error(err))
			u = backend.Update{Err: streamError(s.name, err)}
			continue
		}
		u = backend.Update{Value: msg}
	}
}
