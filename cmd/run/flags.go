package run

import (
	"github.com/spf13/cobra"

	"github.com/crpcgo/crpc/cmd/util"
	serverconfig "github.com/crpcgo/crpc/pkg/server/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := serverconfig.DefaultConfig()
	flags := command.Flags()

	flags.String("environment", defaultConfig.Environment, "the environment to run in ('development' or 'production'). Development-only functions are rejected in production")
	util.MustBindPFlag("environment", flags.Lookup("environment"))
	util.MustBindEnv("environment", "CRPC_ENVIRONMENT")

	flags.String("registry-path", defaultConfig.RegistryPath, "an optional function registry file every procedure is checked against at startup")
	util.MustBindPFlag("registryPath", flags.Lookup("registry-path"))
	util.MustBindEnv("registryPath", "CRPC_REGISTRY_PATH")

	flags.Bool("http-enabled", defaultConfig.HTTP.Enabled, "enable/disable the HTTP server")
	util.MustBindPFlag("http.enabled", flags.Lookup("http-enabled"))
	util.MustBindEnv("http.enabled", "CRPC_HTTP_ENABLED")

	flags.String("http-addr", defaultConfig.HTTP.Addr, "the host:port address to serve the HTTP server on")
	util.MustBindPFlag("http.addr", flags.Lookup("http-addr"))
	util.MustBindEnv("http.addr", "CRPC_HTTP_ADDR")

	flags.Bool("http-tls-enabled", defaultConfig.HTTP.TLS.Enabled, "enable/disable transport layer security (TLS)")
	util.MustBindPFlag("http.tls.enabled", flags.Lookup("http-tls-enabled"))
	util.MustBindEnv("http.tls.enabled", "CRPC_HTTP_TLS_ENABLED")

	flags.String("http-tls-cert", defaultConfig.HTTP.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")
	util.MustBindPFlag("http.tls.cert", flags.Lookup("http-tls-cert"))
	util.MustBindEnv("http.tls.cert", "CRPC_HTTP_TLS_CERT")

	flags.String("http-tls-key", defaultConfig.HTTP.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")
	util.MustBindPFlag("http.tls.key", flags.Lookup("http-tls-key"))
	util.MustBindEnv("http.tls.key", "CRPC_HTTP_TLS_KEY")

	command.MarkFlagsRequiredTogether("http-tls-enabled", "http-tls-cert", "http-tls-key")

	flags.Duration("http-upstream-timeout", defaultConfig.HTTP.UpstreamTimeout, "the maximum duration of a single procedure call")
	util.MustBindPFlag("http.upstreamTimeout", flags.Lookup("http-upstream-timeout"))
	util.MustBindEnv("http.upstreamTimeout", "CRPC_HTTP_UPSTREAM_TIMEOUT")

	flags.StringSlice("http-cors-allowed-origins", defaultConfig.HTTP.CORSAllowedOrigins, "specifies the CORS allowed origins")
	util.MustBindPFlag("http.corsAllowedOrigins", flags.Lookup("http-cors-allowed-origins"))
	util.MustBindEnv("http.corsAllowedOrigins", "CRPC_HTTP_CORS_ALLOWED_ORIGINS")

	flags.StringSlice("http-cors-allowed-headers", defaultConfig.HTTP.CORSAllowedHeaders, "specifies the CORS allowed headers")
	util.MustBindPFlag("http.corsAllowedHeaders", flags.Lookup("http-cors-allowed-headers"))
	util.MustBindEnv("http.corsAllowedHeaders", "CRPC_HTTP_CORS_ALLOWED_HEADERS")

	flags.Bool("grpc-enabled", defaultConfig.GRPC.Enabled, "enable/disable the gRPC server")
	util.MustBindPFlag("grpc.enabled", flags.Lookup("grpc-enabled"))
	util.MustBindEnv("grpc.enabled", "CRPC_GRPC_ENABLED")

	flags.String("grpc-addr", defaultConfig.GRPC.Addr, "the host:port address to serve the grpc server on")
	util.MustBindPFlag("grpc.addr", flags.Lookup("grpc-addr"))
	util.MustBindEnv("grpc.addr", "CRPC_GRPC_ADDR")

	flags.Bool("grpc-tls-enabled", defaultConfig.GRPC.TLS.Enabled, "enable/disable transport layer security (TLS)")
	util.MustBindPFlag("grpc.tls.enabled", flags.Lookup("grpc-tls-enabled"))
	util.MustBindEnv("grpc.tls.enabled", "CRPC_GRPC_TLS_ENABLED")

	flags.String("grpc-tls-cert", defaultConfig.GRPC.TLS.CertPath, "the (absolute) file path of the certificate to use for the TLS connection")
	util.MustBindPFlag("grpc.tls.cert", flags.Lookup("grpc-tls-cert"))
	util.MustBindEnv("grpc.tls.cert", "CRPC_GRPC_TLS_CERT")

	flags.String("grpc-tls-key", defaultConfig.GRPC.TLS.KeyPath, "the (absolute) file path of the TLS key that should be used for the TLS connection")
	util.MustBindPFlag("grpc.tls.key", flags.Lookup("grpc-tls-key"))
	util.MustBindEnv("grpc.tls.key", "CRPC_GRPC_TLS_KEY")

	command.MarkFlagsRequiredTogether("grpc-tls-enabled", "grpc-tls-cert", "grpc-tls-key")

	flags.String("authn-method", defaultConfig.Authn.Method, "the authentication method to use ('none', 'preshared' or 'jwt')")
	util.MustBindPFlag("authn.method", flags.Lookup("authn-method"))
	util.MustBindEnv("authn.method", "CRPC_AUTHN_METHOD")

	flags.StringSlice("authn-preshared-keys", defaultConfig.Authn.Keys, "one or more preshared keys to use for authentication")
	util.MustBindPFlag("authn.preshared.keys", flags.Lookup("authn-preshared-keys"))
	util.MustBindEnv("authn.preshared.keys", "CRPC_AUTHN_PRESHARED_KEYS")

	flags.String("authn-jwt-secret", defaultConfig.Authn.Secret, "the HMAC secret JWTs are signed with")
	util.MustBindPFlag("authn.jwt.secret", flags.Lookup("authn-jwt-secret"))
	util.MustBindEnv("authn.jwt.secret", "CRPC_AUTHN_JWT_SECRET")

	flags.String("authn-jwt-jwks-url", defaultConfig.Authn.JWKSURL, "the URL of the JSON Web Key Set JWTs are verified against")
	util.MustBindPFlag("authn.jwt.jwksUrl", flags.Lookup("authn-jwt-jwks-url"))
	util.MustBindEnv("authn.jwt.jwksUrl", "CRPC_AUTHN_JWT_JWKS_URL")

	flags.String("authn-jwt-issuer", defaultConfig.Authn.Issuer, "the issuer every JWT must carry in its 'iss' claim")
	util.MustBindPFlag("authn.jwt.issuer", flags.Lookup("authn-jwt-issuer"))
	util.MustBindEnv("authn.jwt.issuer", "CRPC_AUTHN_JWT_ISSUER")

	flags.String("authn-jwt-audience", defaultConfig.Authn.Audience, "the audience every JWT must carry in its 'aud' claim")
	util.MustBindPFlag("authn.jwt.audience", flags.Lookup("authn-jwt-audience"))
	util.MustBindEnv("authn.jwt.audience", "CRPC_AUTHN_JWT_AUDIENCE")

	flags.String("rate-limit-engine", defaultConfig.RateLimit.Engine, "the admission controller backing rate limits ('none', 'memory' or 'redis')")
	util.MustBindPFlag("rateLimit.engine", flags.Lookup("rate-limit-engine"))
	util.MustBindEnv("rateLimit.engine", "CRPC_RATE_LIMIT_ENGINE")

	flags.Int("rate-limit-default-requests", defaultConfig.RateLimit.Default.Requests, "the number of calls allowed per window in buckets without a limit of their own")
	util.MustBindPFlag("rateLimit.default.requests", flags.Lookup("rate-limit-default-requests"))
	util.MustBindEnv("rateLimit.default.requests", "CRPC_RATE_LIMIT_DEFAULT_REQUESTS")

	flags.Duration("rate-limit-default-window", defaultConfig.RateLimit.Default.Window, "the window of the default rate limit")
	util.MustBindPFlag("rateLimit.default.window", flags.Lookup("rate-limit-default-window"))
	util.MustBindEnv("rateLimit.default.window", "CRPC_RATE_LIMIT_DEFAULT_WINDOW")

	flags.Int64("rate-limit-max-identities", defaultConfig.RateLimit.MaxIdentities, "the maximum number of identities the 'memory' engine tracks")
	util.MustBindPFlag("rateLimit.maxIdentities", flags.Lookup("rate-limit-max-identities"))
	util.MustBindEnv("rateLimit.maxIdentities", "CRPC_RATE_LIMIT_MAX_IDENTITIES")

	flags.String("rate-limit-redis-addr", defaultConfig.RateLimit.Redis.Addr, "the host:port address of the redis server")
	util.MustBindPFlag("rateLimit.redis.addr", flags.Lookup("rate-limit-redis-addr"))
	util.MustBindEnv("rateLimit.redis.addr", "CRPC_RATE_LIMIT_REDIS_ADDR")

	flags.Int("rate-limit-redis-db", defaultConfig.RateLimit.Redis.DB, "the redis database to use")
	util.MustBindPFlag("rateLimit.redis.db", flags.Lookup("rate-limit-redis-db"))
	util.MustBindEnv("rateLimit.redis.db", "CRPC_RATE_LIMIT_REDIS_DB")

	flags.String("rate-limit-redis-username", defaultConfig.RateLimit.Redis.Username, "the redis username")
	util.MustBindPFlag("rateLimit.redis.username", flags.Lookup("rate-limit-redis-username"))
	util.MustBindEnv("rateLimit.redis.username", "CRPC_RATE_LIMIT_REDIS_USERNAME")

	flags.String("rate-limit-redis-password", defaultConfig.RateLimit.Redis.Password, "the redis password")
	util.MustBindPFlag("rateLimit.redis.password", flags.Lookup("rate-limit-redis-password"))
	util.MustBindEnv("rateLimit.redis.password", "CRPC_RATE_LIMIT_REDIS_PASSWORD")

	flags.String("rate-limit-redis-key-prefix", defaultConfig.RateLimit.Redis.KeyPrefix, "the prefix of every redis key")
	util.MustBindPFlag("rateLimit.redis.keyPrefix", flags.Lookup("rate-limit-redis-key-prefix"))
	util.MustBindEnv("rateLimit.redis.keyPrefix", "CRPC_RATE_LIMIT_REDIS_KEY_PREFIX")

	flags.Duration("subscriptions-heartbeat-interval", defaultConfig.Subscriptions.HeartbeatInterval, "how often idle event streams send a keep-alive comment")
	util.MustBindPFlag("subscriptions.heartbeatInterval", flags.Lookup("subscriptions-heartbeat-interval"))
	util.MustBindEnv("subscriptions.heartbeatInterval", "CRPC_SUBSCRIPTIONS_HEARTBEAT_INTERVAL")

	flags.String("pagination-cursor-key", defaultConfig.Pagination.CursorKey, "the key pagination cursors are encrypted with. Cursors are only encoded when empty")
	util.MustBindPFlag("pagination.cursorKey", flags.Lookup("pagination-cursor-key"))
	util.MustBindEnv("pagination.cursorKey", "CRPC_PAGINATION_CURSOR_KEY")

	flags.Int("pagination-default-page-size", defaultConfig.Pagination.DefaultPageSize, "the page size used when a call names none")
	util.MustBindPFlag("pagination.defaultPageSize", flags.Lookup("pagination-default-page-size"))
	util.MustBindEnv("pagination.defaultPageSize", "CRPC_PAGINATION_DEFAULT_PAGE_SIZE")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "CRPC_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "CRPC_LOG_LEVEL")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "CRPC_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "CRPC_TRACE_OTLP_ENDPOINT")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")
	util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
	util.MustBindEnv("trace.otlp.tls.enabled", "CRPC_TRACE_OTLP_TLS_ENABLED")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "CRPC_TRACE_SAMPLE_RATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "CRPC_TRACE_SERVICE_NAME")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "CRPC_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on. When empty, metrics are served on '/metrics' of the HTTP server")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "CRPC_METRICS_ADDR")

	flags.Bool("metrics-enable-rpc-histograms", defaultConfig.Metrics.EnableRPCHistograms, "enables prometheus histogram metrics for RPC latency distributions")
	util.MustBindPFlag("metrics.enableRPCHistograms", flags.Lookup("metrics-enable-rpc-histograms"))
	util.MustBindEnv("metrics.enableRPCHistograms", "CRPC_METRICS_ENABLE_RPC_HISTOGRAMS")
}
