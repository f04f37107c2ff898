package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type target struct {
	ready bool
	err   error
}

func (t target) IsReady(context.Context) (bool, error) {
	return t.ready, t.err
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name   string
		target target
		want   healthv1pb.HealthCheckResponse_ServingStatus
	}{
		{name: "ready", target: target{ready: true}, want: healthv1pb.HealthCheckResponse_SERVING},
		{name: "not_ready", target: target{ready: false}, want: healthv1pb.HealthCheckResponse_NOT_SERVING},
		{name: "error", target: target{err: errors.New("closed")}, want: healthv1pb.HealthCheckResponse_NOT_SERVING},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			checker := &Checker{TargetService: test.target, TargetServiceName: "crpc.v1"}

			resp, err := checker.Check(context.Background(), &healthv1pb.HealthCheckRequest{})
			require.NoError(t, err)
			require.Equal(t, test.want, resp.GetStatus())

			resp, err = checker.Check(context.Background(), &healthv1pb.HealthCheckRequest{Service: "crpc.v1"})
			require.NoError(t, err)
			require.Equal(t, test.want, resp.GetStatus())
		})
	}

	t.Run("unknown_service", func(t *testing.T) {
		checker := &Checker{TargetService: target{ready: true}, TargetServiceName: "crpc.v1"}
		_, err := checker.Check(context.Background(), &healthv1pb.HealthCheckRequest{Service: "other"})
		require.Equal(t, codes.NotFound, status.Code(err))
	})
}

func TestServeHTTP(t *testing.T) {
	t.Run("serving", func(t *testing.T) {
		rec := httptest.NewRecorder()
		(&Checker{TargetService: target{ready: true}}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"status":"SERVING"}`, rec.Body.String())
	})

	t.Run("not_serving", func(t *testing.T) {
		rec := httptest.NewRecorder()
		(&Checker{TargetService: target{ready: false}}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.JSONEq(t, `{"status":"NOT_SERVING"}`, rec.Body.String())
	})
}
