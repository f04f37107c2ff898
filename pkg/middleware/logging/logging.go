// Package logging writes one access log line per HTTP request and per gRPC stream.
package logging

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/crpcgo/crpc/pkg/callctx"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
)

const (
	grpcServiceKey     = "grpc_service"
	grpcMethodKey      = "grpc_method"
	grpcTypeKey        = "grpc_type"
	codeKey            = "code"
	requestIDKey       = "request_id"
	traceIDKey         = "trace_id"
	rawRequestKey      = "raw_request"
	rawResponseKey     = "raw_response"
	messagesSentKey    = "messages_sent"
	internalErrorKey   = "internal_error"
	grpcReqCompleteKey = "grpc_req_complete"
	httpReqCompleteKey = "http_req_complete"
	httpMethodKey      = "http_method"
	httpPathKey        = "http_path"
	httpStatusKey      = "http_status"
	bytesWrittenKey    = "bytes_written"
	userAgentKey       = "user_agent"
	queryDurationKey   = "query_duration_ms"

	userAgentHeader string = "user-agent"
)

// NewHTTPLoggingMiddleware logs every HTTP request once it completes. It must come after
// the request id middleware.
func NewHTTPLoggingMiddleware(l logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)

			fields := []zap.Field{
				zap.String(httpMethodKey, r.Method),
				zap.String(httpPathKey, r.URL.Path),
				zap.Int(httpStatusKey, m.Code),
				zap.Int64(bytesWrittenKey, m.Written),
				zap.String(queryDurationKey, strconv.FormatInt(m.Duration.Milliseconds(), 10)),
			}
			if requestID := callctx.FromContext(r.Context()).RequestID(); requestID != "" {
				fields = append(fields, zap.String(requestIDKey, requestID))
			}
			if userAgent := r.UserAgent(); userAgent != "" {
				fields = append(fields, zap.String(userAgentKey, userAgent))
			}
			spanCtx := trace.SpanContextFromContext(r.Context())
			if spanCtx.HasTraceID() {
				fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
			}

			if m.Code >= http.StatusInternalServerError {
				l.Error(httpReqCompleteKey, fields...)
				return
			}
			l.Info(httpReqCompleteKey, fields...)
		})
	}
}

// NewStreamingLoggingInterceptor creates a new streaming logging interceptor for gRPC
// stream server requests.
func NewStreamingLoggingInterceptor(logger logger.Logger) grpc.StreamServerInterceptor {
	return interceptors.StreamServerInterceptor(reportable(logger))
}

type reporter struct {
	ctx          context.Context
	logger       logger.Logger
	fields       []zap.Field
	messagesSent int
	lastResponse json.RawMessage
}

// PostCall is invoked after all PostMsgSend operations.
func (r *reporter) PostCall(err error, rpcDuration time.Duration) {
	rpcDurationMs := strconv.FormatInt(rpcDuration.Milliseconds(), 10)

	r.fields = append(r.fields, zap.String(queryDurationKey, rpcDurationMs))
	r.fields = append(r.fields, zap.Int(messagesSentKey, r.messagesSent))
	if r.lastResponse != nil {
		r.fields = append(r.fields, zap.Any(rawResponseKey, r.lastResponse))
	}
	r.fields = append(r.fields, ctxzap.TagsToFields(r.ctx)...)

	if err == nil {
		r.fields = append(r.fields, zap.String(codeKey, "OK"))
		r.logger.Info(grpcReqCompleteKey, r.fields...)
		return
	}

	code := crpcerrors.FromGRPCStatus(status.Convert(err)).Code
	r.fields = append(r.fields, zap.String(codeKey, string(code)))
	if code == crpcerrors.Internal {
		r.fields = append(r.fields, zap.String(internalErrorKey, err.Error()))
		r.logger.Error(grpcReqCompleteKey, r.fields...)
		return
	}
	r.fields = append(r.fields, zap.Error(err))
	r.logger.Info(grpcReqCompleteKey, r.fields...)
}

// PostMsgSend is invoked once after a unary response or multiple times in
// streaming requests after each message has been sent.
func (r *reporter) PostMsgSend(msg any, err error, _ time.Duration) {
	if err != nil {
		return
	}
	r.messagesSent++
	if raw, ok := msg.(json.RawMessage); ok {
		r.lastResponse = raw
		return
	}
	if resp, err := json.Marshal(msg); err == nil {
		r.lastResponse = resp
	}
}

// PostMsgReceive is invoked after receiving a message in streaming requests.
func (r *reporter) PostMsgReceive(msg any, err error, _ time.Duration) {
	if err != nil {
		return
	}
	if raw, ok := msg.(*json.RawMessage); ok && raw != nil {
		r.fields = append(r.fields, zap.Any(rawRequestKey, *raw))
	}
}

// userAgentFromContext retrieves the user agent field from the provided context.
// If the user agent field is not present in the context, the function returns an empty string and false.
func userAgentFromContext(ctx context.Context) (string, bool) {
	if headers, ok := metadata.FromIncomingContext(ctx); ok {
		if header := headers.Get(userAgentHeader); len(header) > 0 {
			return header[0], true
		}
	}
	return "", false
}

func reportable(l logger.Logger) interceptors.CommonReportableFunc {
	return func(ctx context.Context, c interceptors.CallMeta) (interceptors.Reporter, context.Context) {
		fields := []zap.Field{
			zap.String(grpcServiceKey, c.Service),
			zap.String(grpcMethodKey, c.Method),
			zap.String(grpcTypeKey, string(c.Typ)),
		}

		spanCtx := trace.SpanContextFromContext(ctx)
		if spanCtx.HasTraceID() {
			fields = append(fields, zap.String(traceIDKey, spanCtx.TraceID().String()))
		}

		if userAgent, ok := userAgentFromContext(ctx); ok {
			fields = append(fields, zap.String(userAgentKey, userAgent))
		}

		return &reporter{
			ctx:    ctx,
			logger: l,
			fields: fields,
		}, ctx
	}
}
