// Package server exposes the procedures registered on a router over HTTP (JSON calls
// and server-sent events) and gRPC (JSON-coded unary calls and server streams).
package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/crpcgo/crpc/pkg/backend/local"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/procedure"
	"github.com/crpcgo/crpc/pkg/server/health"
)

const (
	// ServiceName is the service reported by the health checker.
	ServiceName = "crpc.v1"

	DefaultUpstreamTimeout   = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second

	maxBodyBytes = 4 << 20
)

var tracer = otel.Tracer("crpc/pkg/server")

// A Server implements the crpc service as both a gRPC and an HTTP server. Calls run
// through an in-process backend so that mutations refresh live queries on either
// transport.
type Server struct {
	router  *procedure.Router
	backend *local.Backend
	logger  logger.Logger

	upstreamTimeout time.Duration
	heartbeat       time.Duration
	metrics         bool

	closed atomic.Bool
}

type OptionFn func(s *Server)

func WithLogger(l logger.Logger) OptionFn {
	return func(s *Server) {
		s.logger = l
	}
}

// WithUpstreamTimeout bounds every call. Subscription streams are not bounded.
func WithUpstreamTimeout(timeout time.Duration) OptionFn {
	return func(s *Server) {
		s.upstreamTimeout = timeout
	}
}

// WithHeartbeatInterval sets how often idle event streams send a comment line.
func WithHeartbeatInterval(interval time.Duration) OptionFn {
	return func(s *Server) {
		s.heartbeat = interval
	}
}

// WithMetrics serves prometheus metrics on /metrics of the HTTP handler.
func WithMetrics(enabled bool) OptionFn {
	return func(s *Server) {
		s.metrics = enabled
	}
}

// New returns a server for the procedures registered on router.
func New(router *procedure.Router, opts ...OptionFn) (*Server, error) {
	if router == nil {
		return nil, errors.New("a procedure router must be provided")
	}

	s := &Server{
		router:          router,
		logger:          logger.NewNoopLogger(),
		upstreamTimeout: DefaultUpstreamTimeout,
		heartbeat:       DefaultHeartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.upstreamTimeout <= 0 {
		return nil, errors.New("upstream timeout must be positive")
	}
	if s.heartbeat <= 0 {
		return nil, errors.New("heartbeat interval must be positive")
	}

	s.backend = local.New(router, local.WithLogger(s.logger))
	return s, nil
}

// MustNew is like New but panics on error.
func MustNew(router *procedure.Router, opts ...OptionFn) *Server {
	s, err := New(router, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Backend returns the in-process backend calls run through.
func (s *Server) Backend() *local.Backend {
	return s.backend
}

// HealthChecker returns the health service of this server.
func (s *Server) HealthChecker() *health.Checker {
	return &health.Checker{TargetService: s, TargetServiceName: ServiceName}
}

// IsReady reports whether this server instance is ready to accept traffic.
func (s *Server) IsReady(context.Context) (bool, error) {
	return !s.closed.Load(), nil
}

// Close ends every live query. The server reports not ready afterwards.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.backend.Close()
}

// publicError returns the error a caller is allowed to see.
func publicError(err error) *crpcerrors.Error {
	var e *crpcerrors.Error
	if errors.As(crpcerrors.HandleError("", err), &e) {
		return e
	}
	return crpcerrors.NewInternalError("", err)
}
