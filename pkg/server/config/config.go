// Package config contains all knobs and defaults used to configure a crpc server.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/crpcgo/crpc/pkg/admission"
	"github.com/crpcgo/crpc/pkg/pagination"
)

const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultGRPCAddr          = "0.0.0.0:8081"
	DefaultMetricsAddr       = "0.0.0.0:2112"
	DefaultUpstreamTimeout   = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultRateLimitRequests = 60
	DefaultRateLimitWindow   = time.Minute
	DefaultMaxIdentities     = 100_000
	DefaultRedisKeyPrefix    = "crpc:ratelimit"
	DefaultTraceSampleRatio  = 0.2
	DefaultTraceServiceName  = "crpc"
	DefaultTraceOTLPEndpoint = "0.0.0.0:4317"
)

// HTTPConfig defines settings of the JSON and server-sent events transport.
type HTTPConfig struct {
	Enabled bool
	Addr    string
	TLS     *TLSConfig

	// UpstreamTimeout bounds how long a single procedure call may take over HTTP.
	// Subscription streams are not bounded by it.
	UpstreamTimeout time.Duration

	CORSAllowedOrigins []string
	CORSAllowedHeaders []string
}

// GRPCConfig defines settings of the gRPC transport.
type GRPCConfig struct {
	Enabled bool
	Addr    string
	TLS     *TLSConfig
}

// TLSConfig defines configuration specific to Transport Layer Security (TLS) settings.
type TLSConfig struct {
	Enabled  bool
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`
}

// AuthnConfig selects how sessions are resolved from bearer tokens ('none', 'preshared'
// or 'jwt').
type AuthnConfig struct {
	Method                   string
	*AuthnJWTConfig          `mapstructure:"jwt"`
	*AuthnPresharedKeyConfig `mapstructure:"preshared"`
}

// AuthnJWTConfig configures the 'jwt' method. Exactly one of Secret and JWKSURL is set.
type AuthnJWTConfig struct {
	Secret   string
	JWKSURL  string `mapstructure:"jwksUrl"`
	Issuer   string
	Audience string
}

// AuthnPresharedKeyConfig defines configurations for the 'preshared' method of authentication.
type AuthnPresharedKeyConfig struct {
	// Keys define the preshared keys to verify authn tokens against.
	Keys []string
}

// RedisConfig locates the redis server shared by every replica for admission control.
type RedisConfig struct {
	Addr      string
	DB        int
	Username  string
	Password  string
	KeyPrefix string
}

// RateLimitConfig configures admission control ('none', 'memory' or 'redis').
type RateLimitConfig struct {
	Engine string

	// Default applies to every bucket without an entry in Buckets.
	Default admission.Limit
	Buckets map[string]admission.Limit

	// MaxIdentities bounds the number of limiters kept by the 'memory' engine.
	MaxIdentities int64

	Redis RedisConfig
}

// Limits returns the per-bucket limits including the default bucket.
func (c RateLimitConfig) Limits() admission.Limits {
	limits := admission.Limits{admission.DefaultBucket: c.Default}
	for bucket, limit := range c.Buckets {
		limits[bucket] = limit
	}
	return limits
}

type SubscriptionConfig struct {
	// HeartbeatInterval is how often idle event streams send a comment line, keeping
	// proxies from closing them.
	HeartbeatInterval time.Duration
}

type PaginationConfig struct {
	// CursorKey encrypts pagination cursors. Cursors are only encoded when it is empty.
	CursorKey       string
	DefaultPageSize int
}

// LogConfig defines log settings. For production we recommend using the 'json' log format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

type OTLPTraceConfig struct {
	Endpoint string
	TLS      OTLPTraceTLSConfig
}

type OTLPTraceTLSConfig struct {
	Enabled bool
}

// MetricConfig defines where prometheus metrics are served. An empty Addr serves them on
// the HTTP transport.
type MetricConfig struct {
	Enabled bool
	Addr    string

	// EnableRPCHistograms adds gRPC handling time histograms to the server metrics.
	EnableRPCHistograms bool
}

type Config struct {
	// Environment is 'development' or 'production'. Dev-only functions are rejected in
	// production and middleware contract violations panic in development.
	Environment string

	// RegistryPath is an optional function registry file. When set, every registration is
	// cross-checked against it at startup.
	RegistryPath string

	// Roles maps role names to CEL expressions over the 'user' variable. Roles without an
	// expression are granted from the session's role list.
	Roles map[string]string

	HTTP          HTTPConfig
	GRPC          GRPCConfig
	Authn         AuthnConfig
	RateLimit     RateLimitConfig
	Subscriptions SubscriptionConfig
	Pagination    PaginationConfig
	Log           LogConfig
	Trace         TraceConfig
	Metrics       MetricConfig
}

func (cfg *Config) Verify() error {
	if cfg.Environment != "development" && cfg.Environment != "production" {
		return errors.New("config 'environment' must be one of ['development', 'production']")
	}

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return errors.New("config 'log.format' must be one of ['text', 'json']")
	}

	switch cfg.Log.Level {
	case "none", "debug", "info", "warn", "error", "panic", "fatal":
	default:
		return errors.New(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if !cfg.HTTP.Enabled && !cfg.GRPC.Enabled {
		return errors.New("at least one of 'http.enabled' and 'grpc.enabled' must be set")
	}

	if cfg.HTTP.UpstreamTimeout <= 0 {
		return fmt.Errorf("config 'http.upstreamTimeout' must be positive, got %s", cfg.HTTP.UpstreamTimeout)
	}

	if cfg.HTTP.TLS != nil && cfg.HTTP.TLS.Enabled {
		if cfg.HTTP.TLS.CertPath == "" || cfg.HTTP.TLS.KeyPath == "" {
			return errors.New("'http.tls.cert' and 'http.tls.key' configs must be set")
		}
	}

	if cfg.GRPC.TLS != nil && cfg.GRPC.TLS.Enabled {
		if cfg.GRPC.TLS.CertPath == "" || cfg.GRPC.TLS.KeyPath == "" {
			return errors.New("'grpc.tls.cert' and 'grpc.tls.key' configs must be set")
		}
	}

	if err := cfg.verifyAuthn(); err != nil {
		return err
	}

	if err := cfg.verifyRateLimit(); err != nil {
		return err
	}

	if cfg.Subscriptions.HeartbeatInterval <= 0 {
		return fmt.Errorf("config 'subscriptions.heartbeatInterval' must be positive, got %s", cfg.Subscriptions.HeartbeatInterval)
	}

	if cfg.Pagination.DefaultPageSize < 1 || cfg.Pagination.DefaultPageSize > pagination.MaxPageSize {
		return fmt.Errorf("config 'pagination.defaultPageSize' must be between 1 and %d", pagination.MaxPageSize)
	}

	if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
		return errors.New("config 'trace.sampleRatio' must be between 0 and 1")
	}

	return nil
}

func (cfg *Config) verifyAuthn() error {
	switch cfg.Authn.Method {
	case "none":
	case "preshared":
		if cfg.Authn.AuthnPresharedKeyConfig == nil || len(cfg.Authn.Keys) == 0 {
			return errors.New("'authn.preshared.keys' must be set when the authn method is 'preshared'")
		}
	case "jwt":
		if cfg.Authn.AuthnJWTConfig == nil {
			return errors.New("one of 'authn.jwt.secret' and 'authn.jwt.jwksUrl' must be set")
		}
		if (cfg.Authn.Secret == "") == (cfg.Authn.JWKSURL == "") {
			return errors.New("exactly one of 'authn.jwt.secret' and 'authn.jwt.jwksUrl' must be set")
		}
	default:
		return fmt.Errorf("config 'authn.method' must be one of ['none', 'preshared', 'jwt'], got '%s'", cfg.Authn.Method)
	}
	return nil
}

func (cfg *Config) verifyRateLimit() error {
	switch cfg.RateLimit.Engine {
	case "none":
		return nil
	case "memory":
		if cfg.RateLimit.MaxIdentities < 1 {
			return errors.New("config 'rateLimit.maxIdentities' must be positive")
		}
	case "redis":
		if cfg.RateLimit.Redis.Addr == "" {
			return errors.New("'rateLimit.redis.addr' must be set when the rate limit engine is 'redis'")
		}
	default:
		return fmt.Errorf("config 'rateLimit.engine' must be one of ['none', 'memory', 'redis'], got '%s'", cfg.RateLimit.Engine)
	}
	if err := cfg.RateLimit.Limits().Validate(); err != nil {
		return fmt.Errorf("config 'rateLimit': %w", err)
	}
	return nil
}

// DefaultConfig is the crpc server default configuration.
func DefaultConfig() *Config {
	return &Config{
		Environment: "production",
		Roles:       map[string]string{},
		HTTP: HTTPConfig{
			Enabled:            true,
			Addr:               DefaultHTTPAddr,
			TLS:                &TLSConfig{Enabled: false},
			UpstreamTimeout:    DefaultUpstreamTimeout,
			CORSAllowedOrigins: []string{"*"},
			CORSAllowedHeaders: []string{"*"},
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Addr:    DefaultGRPCAddr,
			TLS:     &TLSConfig{Enabled: false},
		},
		Authn: AuthnConfig{
			Method:                  "none",
			AuthnPresharedKeyConfig: &AuthnPresharedKeyConfig{},
			AuthnJWTConfig:          &AuthnJWTConfig{},
		},
		RateLimit: RateLimitConfig{
			Engine: "memory",
			Default: admission.Limit{
				Requests: DefaultRateLimitRequests,
				Window:   DefaultRateLimitWindow,
			},
			Buckets:       map[string]admission.Limit{},
			MaxIdentities: DefaultMaxIdentities,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: DefaultRedisKeyPrefix,
			},
		},
		Subscriptions: SubscriptionConfig{
			HeartbeatInterval: DefaultHeartbeatInterval,
		},
		Pagination: PaginationConfig{
			DefaultPageSize: pagination.DefaultPageSize,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: DefaultTraceOTLPEndpoint,
			},
			SampleRatio: DefaultTraceSampleRatio,
			ServiceName: DefaultTraceServiceName,
		},
		Metrics: MetricConfig{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
		},
	}
}

// MustDefaultConfigWithRandomPorts returns the default config with metrics turned off
// and random ports for the HTTP and gRPC addresses. It panics if no port can be chosen.
func MustDefaultConfigWithRandomPorts() *Config {
	config := DefaultConfig()
	config.Metrics.Enabled = false

	httpPort, httpPortReleaser := TCPRandomPort()
	defer httpPortReleaser()
	grpcPort, grpcPortReleaser := TCPRandomPort()
	defer grpcPortReleaser()

	config.HTTP.Addr = fmt.Sprintf("localhost:%d", httpPort)
	config.GRPC.Addr = fmt.Sprintf("localhost:%d", grpcPort)

	return config
}

// TCPRandomPort tries to find a random TCP Port. If it can't find one, it panics. Else, it
// returns the port and a function that releases the port.
func TCPRandomPort() (int, func()) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		panic(err)
	}
	return l.Addr().(*net.TCPAddr).Port, func() {
		l.Close()
	}
}
