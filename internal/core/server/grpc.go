// Package server provides gRPC server lifecycle management.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fkirchmann/ProductionPilot/internal/core/api"
	"github.com/fkirchmann/ProductionPilot/internal/core/config"
)

const shutdownTimeout = 30 * time.Second

// StateNotifier reports connection state changes.
type StateNotifier interface {
	OnStateChange(fn func(connected bool))
}

// GRPCServer manages gRPC server lifecycle.
// The health service reports SERVING for the recorder service only while the
// OPC UA connection is up.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	config   config.StatusConfig
	logger   *slog.Logger
}

// NewGRPCServer creates a gRPC server with the status and health services registered.
func NewGRPCServer(cfg config.StatusConfig, service api.RecorderStatusServer, state StateNotifier, logger *slog.Logger) (*GRPCServer, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	server := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	api.RegisterRecorderStatusServer(server, service)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(api.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	if state != nil {
		state.OnStateChange(func(connected bool) {
			st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if connected {
				st = grpc_health_v1.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus(api.ServiceName, st)
		})
	}

	return &GRPCServer{
		server: server,
		health: healthServer,
		config: cfg,
		logger: logger,
	}, nil
}

// Addr returns the bound address once Listen has succeeded.
func (s *GRPCServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds the configured address.
func (s *GRPCServer) Listen() error {
	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.listener = listener
	return nil
}

// Start binds the listener if needed and serves gRPC requests until Shutdown.
func (s *GRPCServer) Start(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.logger.Info("server: serving status", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Shutdown gracefully stops server with 30-second timeout.
func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return fmt.Errorf("shutdown cancelled by context: %w", ctx.Err())
	case <-time.After(shutdownTimeout):
		s.server.Stop()
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}
}

func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Debug("server: request failed", "method", info.FullMethod, "error", err, "duration", time.Since(start))
		} else {
			logger.Debug("server: request", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}
