package logging

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/logger"
	"github.com/crpcgo/crpc/pkg/middleware/requestid"
)

func TestHTTPLoggingMiddleware(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		l, logs := logger.NewObserverLogger("info")
		handler := requestid.NewHTTPMiddleware(NewHTTPLoggingMiddleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"value":1}`))
		})))

		req := httptest.NewRequest(http.MethodPost, "/api/mutation/todos:create", nil)
		req.Header.Set("User-Agent", "crpc-test")
		handler.ServeHTTP(httptest.NewRecorder(), req)

		entries := logs.FilterMessage(httpReqCompleteKey).All()
		require.Len(t, entries, 1)
		fields := entries[0].ContextMap()
		require.Equal(t, http.MethodPost, fields[httpMethodKey])
		require.Equal(t, "/api/mutation/todos:create", fields[httpPathKey])
		require.EqualValues(t, http.StatusCreated, fields[httpStatusKey])
		require.EqualValues(t, 11, fields[bytesWrittenKey])
		require.Equal(t, "crpc-test", fields[userAgentKey])
		require.NotEmpty(t, fields[requestIDKey])
	})

	t.Run("server_errors_log_at_error_level", func(t *testing.T) {
		l, logs := logger.NewObserverLogger("info")
		handler := NewHTTPLoggingMiddleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

		entries := logs.FilterMessage(httpReqCompleteKey).All()
		require.Len(t, entries, 1)
		require.Equal(t, "error", entries[0].Level.String())
	})
}

func TestStreamingLoggingInterceptor(t *testing.T) {
	tests := []struct {
		name      string
		handler   grpc.StreamHandler
		wantCode  string
		wantLevel string
	}{
		{
			name: "ok",
			handler: func(_ any, stream grpc.ServerStream) error {
				var args json.RawMessage
				if err := stream.RecvMsg(&args); err != nil {
					return err
				}
				return stream.SendMsg(json.RawMessage(`{"items":[]}`))
			},
			wantCode:  "OK",
			wantLevel: "info",
		},
		{
			name: "client_error",
			handler: func(_ any, stream grpc.ServerStream) error {
				var args json.RawMessage
				_ = stream.RecvMsg(&args)
				return crpcerrors.UnauthorizedError("").GRPCStatus().Err()
			},
			wantCode:  "UNAUTHORIZED",
			wantLevel: "info",
		},
		{
			name: "internal_error",
			handler: func(_ any, stream grpc.ServerStream) error {
				var args json.RawMessage
				_ = stream.RecvMsg(&args)
				return crpcerrors.NewInternalError("", nil).GRPCStatus().Err()
			},
			wantCode:  "INTERNAL",
			wantLevel: "error",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			l, logs := logger.NewObserverLogger("info")

			listener := bufconn.Listen(1024 * 1024)
			srv := grpc.NewServer(
				grpc.ForceServerCodec(backend.Codec{}),
				grpc.UnknownServiceHandler(test.handler),
				grpc.ChainStreamInterceptor(
					grpc_ctxtags.StreamServerInterceptor(),
					requestid.NewStreamingInterceptor(),
					NewStreamingLoggingInterceptor(l),
				),
			)
			t.Cleanup(srv.Stop)
			go func() {
				_ = srv.Serve(listener)
			}()

			conn, err := grpc.NewClient("passthrough:///bufnet",
				grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
					return listener.Dial()
				}),
				grpc.WithTransportCredentials(insecure.NewCredentials()),
			)
			require.NoError(t, err)
			t.Cleanup(func() {
				conn.Close()
			})

			var out json.RawMessage
			_ = conn.Invoke(context.Background(), backend.FullMethod("query", "todos:list"), json.RawMessage(`{"limit":5}`), &out,
				grpc.ForceCodec(backend.Codec{}))

			require.Eventually(t, func() bool {
				return logs.FilterMessage(grpcReqCompleteKey).Len() == 1
			}, time.Second, 5*time.Millisecond)

			entry := logs.FilterMessage(grpcReqCompleteKey).All()[0]
			require.Equal(t, test.wantLevel, entry.Level.String())

			fields := entry.ContextMap()
			require.Equal(t, "crpc.v1.query", fields[grpcServiceKey])
			require.Equal(t, "todos:list", fields[grpcMethodKey])
			require.Equal(t, test.wantCode, fields[codeKey])
			require.NotEmpty(t, fields[requestIDKey])
			require.NotEmpty(t, fields[userAgentKey])
		})
	}
}
