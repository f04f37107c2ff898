// Package health contains the service that checks the health of a crpc server on both
// transports.
package health

import (
	"context"
	"encoding/json"
	"net/http"

	grpcauth "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/auth"
	"google.golang.org/grpc/codes"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// TargetService defines an interface that services can implement for server health checks.
type TargetService interface {
	IsReady(ctx context.Context) (bool, error)
}

type Checker struct {
	healthv1pb.UnimplementedHealthServer
	TargetService
	TargetServiceName string
}

var (
	_ grpcauth.ServiceAuthFuncOverride = (*Checker)(nil)
	_ http.Handler                     = (*Checker)(nil)
)

// AuthFuncOverride implements the grpc_auth.ServiceAuthFuncOverride interface by bypassing authn middleware.
func (o *Checker) AuthFuncOverride(ctx context.Context, fullMethodName string) (context.Context, error) {
	return ctx, nil
}

func (o *Checker) Check(ctx context.Context, req *healthv1pb.HealthCheckRequest) (*healthv1pb.HealthCheckResponse, error) {
	requestedService := req.GetService()
	if requestedService == "" || requestedService == o.TargetServiceName {
		return &healthv1pb.HealthCheckResponse{Status: o.status(ctx)}, nil
	}

	return nil, status.Errorf(codes.NotFound, "service '%s' is not registered with the Health server", requestedService)
}

func (o *Checker) Watch(req *healthv1pb.HealthCheckRequest, server healthv1pb.Health_WatchServer) error {
	return status.Error(codes.Unimplemented, "unimplemented streaming endpoint")
}

// ServeHTTP answers /healthz with the serving status of the target service.
func (o *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := o.status(r.Context())

	code := http.StatusOK
	if st != healthv1pb.HealthCheckResponse_SERVING {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": st.String()})
}

func (o *Checker) status(ctx context.Context) healthv1pb.HealthCheckResponse_ServingStatus {
	ready, err := o.IsReady(ctx)
	if err != nil || !ready {
		return healthv1pb.HealthCheckResponse_NOT_SERVING
	}
	return healthv1pb.HealthCheckResponse_SERVING
}
