package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tweetbook.app/internal/obs"
)

// HealthServiceName is the service name reported by the gRPC health service
// alongside the overall ("") status.
const HealthServiceName = "tweetbook.identity.v1.Identity"

// GRPCServer publishes readiness through the standard gRPC health protocol.
type GRPCServer struct {
	health    *health.Server
	readiness ReadinessChecker
	version   string
}

// NewGRPCServer creates the health service wrapper. Status starts as
// NOT_SERVING until the first Refresh.
func NewGRPCServer(r ReadinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &GRPCServer{health: hs, readiness: r, version: version}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh evaluates readiness once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(err == nil)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthServiceName, status)
	return err
}

// Watch refreshes readiness every interval until ctx ends, then marks the
// service as shutting down.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		if err := s.Refresh(checkCtx); err != nil && ctx.Err() == nil {
			obs.Error("readiness check failed", err, map[string]any{"version": s.version})
		}
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
