package server

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// healthPollInterval is how often WatchHealth re-checks the bus and store.
const healthPollInterval = 5 * time.Second

// NewGRPCServer creates a gRPC server with standard interceptors, registers
// the health service and reflection, and returns the server ready to serve.
// The health service starts NOT_SERVING; WatchHealth flips it. A nil logger
// selects slog.Default().
func NewGRPCServer(authToken string, hs *health.Server, logger *slog.Logger) *grpc.Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger),
			LoggingInterceptor(logger),
			ErrorInterceptor,
			AuthInterceptor(authToken),
		),
	)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv
}

// WatchHealth keeps the overall health status in step with the bus: SERVING
// while the bus is initialised and the store answers, NOT_SERVING otherwise.
// It blocks until ctx is done, then leaves the status NOT_SERVING.
func (s *Server) WatchHealth(ctx context.Context, hs *health.Server, interval time.Duration) {
	if interval <= 0 {
		interval = healthPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	current := healthpb.HealthCheckResponse_UNKNOWN
	for {
		next := s.servingStatus(ctx)
		if next != current {
			hs.SetServingStatus("", next)
			s.logger.Info("health status changed", "status", next.String())
			current = next
		}
		select {
		case <-ctx.Done():
			hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) servingStatus(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	if !s.bus.Ready() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.bus.Ping(pingCtx); err != nil {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}
