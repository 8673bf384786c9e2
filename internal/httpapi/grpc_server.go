package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"reliefhub.org/internal/obs"
)

// GRPCServer serves grpc.health.v1 backed by the same readiness probe as
// /readyz. Watch and List come from the stock health server, which Check
// keeps up to date.
type GRPCServer struct {
	*health.Server

	readiness readinessChecker
	version   string
}

var _ healthpb.HealthServer = (*GRPCServer)(nil)

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, version string) *GRPCServer {
	return &GRPCServer{
		Server:    health.NewServer(),
		readiness: r,
		version:   version,
	}
}

// Check evaluates readiness on every call. The empty service name and
// serviceName are the only known services.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil {
		obs.Logger().Warn().Err(err).Msg("grpc_health_not_ready")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
	s.SetServingStatus("", st)
	s.SetServingStatus(serviceName, st)
	return &healthpb.HealthCheckResponse{Status: st}, nil
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(srv, s)
}

// NewServer builds a grpc.Server with request logging and the health service registered.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary))
	srv := grpc.NewServer(opts...)
	s.Register(srv)
	return srv
}

func (s *GRPCServer) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	obs.Logger().Info().
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Str("version", s.version).
		Float64("duration_ms", float64(time.Since(start).Microseconds())/1000).
		Msg("grpc_complete")
	return resp, err
}
