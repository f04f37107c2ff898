// Package run contains the command to run a crpc server.
package run

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/crpcgo/crpc/internal/build"
	"github.com/crpcgo/crpc/internal/demo"
	"github.com/crpcgo/crpc/pkg/admission"
	"github.com/crpcgo/crpc/pkg/admission/memory"
	"github.com/crpcgo/crpc/pkg/admission/redis"
	"github.com/crpcgo/crpc/pkg/encoder"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/middleware/logging"
	"github.com/crpcgo/crpc/pkg/middleware/recovery"
	"github.com/crpcgo/crpc/pkg/middleware/requestid"
	"github.com/crpcgo/crpc/pkg/middleware/role"
	"github.com/crpcgo/crpc/pkg/procedure"
	"github.com/crpcgo/crpc/pkg/server"
	serverconfig "github.com/crpcgo/crpc/pkg/server/config"
	"github.com/crpcgo/crpc/pkg/session"
	"github.com/crpcgo/crpc/pkg/session/jwt"
	"github.com/crpcgo/crpc/pkg/session/presharedkey"
	"github.com/crpcgo/crpc/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the crpc server",
		Long:  "Run the crpc server.",
		RunE:  run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig returns the crpc server configuration based on the values provided in the server's 'config.yaml' file.
// The 'config.yaml' file is loaded from '/etc/crpc', '$HOME/.crpc', or the current working directory. If no configuration
// file is present, the default values are returned.
func ReadConfig() (*serverconfig.Config, error) {
	config := serverconfig.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server config: %w", err)
	}

	return config, nil
}

func run(cmd *cobra.Command, _ []string) error {
	config, err := ReadConfig()
	if err != nil {
		return err
	}

	if err := config.Verify(); err != nil {
		return err
	}

	logger := logger.MustNewLogger(config.Log.Format, config.Log.Level)
	serverCtx := &ServerContext{Logger: logger}
	return serverCtx.Run(cmd.Context(), config)
}

type ServerContext struct {
	Logger logger.Logger
}

// telemetryConfig returns the function that must be called to shut down tracing.
func (s *ServerContext) telemetryConfig(config *serverconfig.Config) func() error {
	if config.Trace.Enabled {
		s.Logger.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s', tls: %t", config.Trace.SampleRatio, config.Trace.OTLP.Endpoint, config.Trace.OTLP.TLS.Enabled))

		options := []telemetry.TracerOption{
			telemetry.WithOTLPEndpoint(config.Trace.OTLP.Endpoint),
			telemetry.WithServiceName(config.Trace.ServiceName),
			telemetry.WithSamplingRatio(config.Trace.SampleRatio),
		}
		if !config.Trace.OTLP.TLS.Enabled {
			options = append(options, telemetry.WithOTLPInsecure())
		}

		tp := telemetry.MustNewTracerProvider(options...)
		return func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer cancel()
			return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
		}
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return func() error {
		return nil
	}
}

// sessionResolverConfig returns the resolver for the configured authn method and the
// function releasing it.
func (s *ServerContext) sessionResolverConfig(config *serverconfig.Config) (session.Resolver, func(), error) {
	switch config.Authn.Method {
	case "none":
		s.Logger.Warn("authentication is disabled, every call is anonymous")
		return session.NoopResolver{}, func() {}, nil
	case "preshared":
		s.Logger.Info("using 'preshared' authentication")
		resolver, err := presharedkey.NewResolver(config.Authn.Keys)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize session resolver: %w", err)
		}
		return resolver, func() {}, nil
	case "jwt":
		opts := []jwt.ResolverOption{
			jwt.WithIssuer(config.Authn.Issuer),
			jwt.WithAudience(config.Authn.Audience),
		}
		var resolver *jwt.Resolver
		var err error
		if config.Authn.JWKSURL != "" {
			s.Logger.Info("using 'jwt' authentication with a JSON Web Key Set", zap.String("jwksUrl", config.Authn.JWKSURL))
			resolver, err = jwt.NewJWKSResolver(config.Authn.JWKSURL, opts...)
		} else {
			s.Logger.Info("using 'jwt' authentication with a shared secret")
			resolver, err = jwt.NewHMACResolver([]byte(config.Authn.Secret), opts...)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize session resolver: %w", err)
		}
		return resolver, resolver.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported authentication method '%v'", config.Authn.Method)
	}
}

// admissionConfig returns the admission controller for the configured rate limit engine
// and the function releasing it.
func (s *ServerContext) admissionConfig(ctx context.Context, config *serverconfig.Config) (admission.Controller, func(), error) {
	limits := config.RateLimit.Limits()

	switch config.RateLimit.Engine {
	case "none":
		s.Logger.Warn("rate limiting is disabled")
		return admission.NoopController{}, func() {}, nil
	case "memory":
		s.Logger.Info("using 'memory' rate limiting", zap.Int64("maxIdentities", config.RateLimit.MaxIdentities))
		controller, err := memory.New(limits, memory.WithMaxIdentities(config.RateLimit.MaxIdentities))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize admission controller: %w", err)
		}
		return controller, controller.Close, nil
	case "redis":
		s.Logger.Info("using 'redis' rate limiting", zap.String("addr", config.RateLimit.Redis.Addr))
		controller, err := redis.New(limits,
			redis.WithAddr(config.RateLimit.Redis.Addr),
			redis.WithDatabase(config.RateLimit.Redis.DB),
			redis.WithUserCredential(config.RateLimit.Redis.Username),
			redis.WithPassCredential(config.RateLimit.Redis.Password),
			redis.WithKeyPrefix(config.RateLimit.Redis.KeyPrefix),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize admission controller: %w", err)
		}
		if err := controller.Ping(ctx); err != nil {
			_ = controller.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at '%s': %w", config.RateLimit.Redis.Addr, err)
		}
		return controller, func() {
			if err := controller.Close(); err != nil {
				s.Logger.Warn("failed to close the redis client", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported rate limit engine '%v'", config.RateLimit.Engine)
	}
}

// rolePolicyConfig returns a CEL policy when roles are configured and the default
// policy otherwise.
func (s *ServerContext) rolePolicyConfig(config *serverconfig.Config) (role.Policy, error) {
	if len(config.Roles) == 0 {
		return role.DefaultPolicy{}, nil
	}
	policy, err := role.NewCELPolicy(config.Roles)
	if err != nil {
		return nil, fmt.Errorf("failed to compile role expressions: %w", err)
	}
	s.Logger.Info("using role expressions", zap.Int("roles", len(config.Roles)))
	return policy, nil
}

// routerConfig registers the built-in procedures, cross-checked against the function
// registry file when one is configured.
func (s *ServerContext) routerConfig(config *serverconfig.Config, factory *procedure.Factory) (*procedure.Router, error) {
	var opts []procedure.RouterOption
	if config.RegistryPath != "" {
		registry, err := meta.Load(config.RegistryPath)
		if err != nil {
			return nil, err
		}
		s.Logger.Info("checking procedures against the function registry",
			zap.String("path", config.RegistryPath),
			zap.Int("functions", registry.Len()),
		)
		opts = append(opts, procedure.WithRegistry(registry))
	}

	cursors, err := encoder.NewCursorCodec(config.Pagination.CursorKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize the cursor codec: %w", err)
	}
	if config.Pagination.CursorKey == "" {
		s.Logger.Warn("pagination cursors are not encrypted, set 'pagination.cursorKey' to seal them")
	}

	router := procedure.NewRouter(opts...)
	store := demo.NewStore(demo.WithCursorCodec(cursors), demo.WithDefaultPageSize(config.Pagination.DefaultPageSize))
	if err := demo.Register(router, factory, store); err != nil {
		return nil, err
	}
	return router, nil
}

func (s *ServerContext) buildServerOpts(config *serverconfig.Config, svr *server.Server) ([]grpc.ServerOption, *grpc_prometheus.ServerMetrics, error) {
	serverOpts := []grpc.ServerOption{
		grpc.ChainStreamInterceptor(
			[]grpc.StreamServerInterceptor{
				grpc_recovery.StreamServerInterceptor( // panic middleware must be 1st in chain
					grpc_recovery.WithRecoveryHandlerContext(
						recovery.PanicRecoveryHandler(s.Logger),
					),
				),
				grpc_ctxtags.StreamServerInterceptor(), // needed for logging
				requestid.NewStreamingInterceptor(),    // add request_id to ctxtags
				logging.NewStreamingLoggingInterceptor(s.Logger),
			}...,
		),
	}

	var prometheusMetrics *grpc_prometheus.ServerMetrics
	if config.Metrics.Enabled {
		var metricsOpts []grpc_prometheus.ServerMetricsOption
		if config.Metrics.EnableRPCHistograms {
			metricsOpts = append(metricsOpts, grpc_prometheus.WithServerHandlingTimeHistogram())
		}

		prometheusMetrics = grpc_prometheus.NewServerMetrics(metricsOpts...)
		prometheus.MustRegister(prometheusMetrics)

		serverOpts = append(serverOpts,
			grpc.ChainUnaryInterceptor(prometheusMetrics.UnaryServerInterceptor()),
			grpc.ChainStreamInterceptor(prometheusMetrics.StreamServerInterceptor()))
	}

	if config.Trace.Enabled {
		serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}

	if config.GRPC.TLS.Enabled {
		creds, err := credentials.NewServerTLSFromFile(config.GRPC.TLS.CertPath, config.GRPC.TLS.KeyPath)
		if err != nil {
			return nil, prometheusMetrics, fmt.Errorf("failed to load the gRPC TLS certificate: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))

		s.Logger.Info("gRPC TLS is enabled, serving connections using the provided certificate")
	} else {
		s.Logger.Warn("gRPC TLS is disabled, serving connections using insecure plaintext")
	}

	return append(serverOpts, svr.GRPCServerOptions()...), prometheusMetrics, nil
}

// httpHandler wraps the server handler, outermost first, in panic recovery, CORS,
// tracing, request ids and access logging.
func (s *ServerContext) httpHandler(config *serverconfig.Config, svr *server.Server) http.Handler {
	handler := logging.NewHTTPLoggingMiddleware(s.Logger)(svr.Handler())
	handler = requestid.NewHTTPMiddleware(handler)

	if config.Trace.Enabled {
		handler = otelhttp.NewHandler(handler, "crpc")
	}

	return recovery.HTTPPanicRecoveryHandler(cors.New(cors.Options{
		AllowedOrigins:   config.HTTP.CORSAllowedOrigins,
		AllowCredentials: true,
		AllowedHeaders:   config.HTTP.CORSAllowedHeaders,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodHead},
	}).Handler(handler), s.Logger)
}

func (s *ServerContext) listenHTTP(addr string, tlsConfig *serverconfig.TLSConfig) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on '%s': %w", addr, err)
	}
	if tlsConfig == nil || !tlsConfig.Enabled {
		s.Logger.Warn("HTTP TLS is disabled, serving connections using insecure plaintext")
		return listener, nil
	}

	cert, err := tls.LoadX509KeyPair(tlsConfig.CertPath, tlsConfig.KeyPath)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to load the HTTP TLS certificate: %w", err)
	}
	s.Logger.Info("HTTP TLS is enabled, serving connections using the provided certificate")
	return tls.NewListener(listener, &tls.Config{Certificates: []tls.Certificate{cert}}), nil
}

// Run starts every configured server and blocks until ctx is done or a server fails.
func (s *ServerContext) Run(ctx context.Context, config *serverconfig.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProviderCloser := s.telemetryConfig(config)
	defer func() {
		if err := tracerProviderCloser(); err != nil {
			s.Logger.Error("failed to shutdown tracing", zap.Error(err))
		}
	}()

	resolver, closeResolver, err := s.sessionResolverConfig(config)
	if err != nil {
		return err
	}
	defer closeResolver()

	controller, closeController, err := s.admissionConfig(ctx, config)
	if err != nil {
		return err
	}
	defer closeController()

	policy, err := s.rolePolicyConfig(config)
	if err != nil {
		return err
	}

	factory := procedure.NewFactory(
		procedure.WithSessionResolver(resolver),
		procedure.WithAdmissionController(controller),
		procedure.WithRolePolicy(policy),
		procedure.WithEnvironment(procedure.Environment(config.Environment)),
		procedure.WithLogger(s.Logger),
	)
	router, err := s.routerConfig(config, factory)
	if err != nil {
		return err
	}

	metricsOnHTTP := config.Metrics.Enabled && config.Metrics.Addr == ""
	svr, err := server.New(router,
		server.WithLogger(s.Logger),
		server.WithUpstreamTimeout(config.HTTP.UpstreamTimeout),
		server.WithHeartbeatInterval(config.Subscriptions.HeartbeatInterval),
		server.WithMetrics(metricsOnHTTP),
	)
	if err != nil {
		return err
	}
	defer svr.Close()

	s.Logger.Info(
		"starting crpc service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", goruntime.Version()),
		zap.String("environment", config.Environment),
		zap.Strings("functions", router.Names()),
	)

	// every listener is opened before any server starts, so a bad address fails fast
	var listeners []net.Listener
	closeListeners := func() {
		for _, lis := range listeners {
			lis.Close()
		}
	}

	var grpcServer *grpc.Server
	var grpcLis net.Listener
	if config.GRPC.Enabled {
		serverOpts, prometheusMetrics, err := s.buildServerOpts(config, svr)
		if prometheusMetrics != nil {
			defer prometheus.Unregister(prometheusMetrics)
		}
		if err != nil {
			return err
		}
		grpcLis, err = net.Listen("tcp", config.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		listeners = append(listeners, grpcLis)

		// nosemgrep: grpc-server-insecure-connection
		grpcServer = grpc.NewServer(serverOpts...)
		svr.RegisterHealth(grpcServer)
	}

	var httpServer *http.Server
	var httpLis net.Listener
	if config.HTTP.Enabled {
		httpLis, err = s.listenHTTP(config.HTTP.Addr, config.HTTP.TLS)
		if err != nil {
			closeListeners()
			return err
		}
		listeners = append(listeners, httpLis)
		httpServer = &http.Server{
			Addr:              config.HTTP.Addr,
			Handler:           s.httpHandler(config, svr),
			ReadHeaderTimeout: config.HTTP.UpstreamTimeout,
		}
	}

	var metricsServer *http.Server
	var metricsLis net.Listener
	if config.Metrics.Enabled && !metricsOnHTTP {
		metricsLis, err = net.Listen("tcp", config.Metrics.Addr)
		if err != nil {
			closeListeners()
			return fmt.Errorf("failed to listen on '%s': %w", config.Metrics.Addr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)

	if grpcServer != nil {
		g.Go(func() error {
			s.Logger.Info(fmt.Sprintf("🚀 starting gRPC server on '%s'...", grpcLis.Addr().String()))
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server closed with unexpected error: %w", err)
			}
			s.Logger.Info("gRPC server shut down.")
			return nil
		})
	}

	if httpServer != nil {
		g.Go(func() error {
			s.Logger.Info(fmt.Sprintf("🚀 starting HTTP server on '%s'...", httpLis.Addr().String()))
			if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server closed with unexpected error: %w", err)
			}
			s.Logger.Info("HTTP server shut down.")
			return nil
		})
	}

	if metricsServer != nil {
		g.Go(func() error {
			s.Logger.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", metricsLis.Addr().String()))
			if err := metricsServer.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("prometheus metrics server closed with unexpected error: %w", err)
			}
			s.Logger.Info("metrics server shut down.")
			return nil
		})
	}

	g.Go(func() error {
		// wait for cancellation signal or a failing server
		<-gctx.Done()
		s.Logger.Info("attempting to shutdown gracefully...")

		// live queries end first so that event streams let the servers drain
		if err := svr.Close(); err != nil {
			s.Logger.Warn("failed to close live queries", zap.Error(err))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if httpServer != nil {
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				s.Logger.Info("failed to shutdown the http server", zap.Error(err))
			}
		}
		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				s.Logger.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
			}
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	err = g.Wait()
	s.Logger.Info("server exited. goodbye 👋")
	return err
}
