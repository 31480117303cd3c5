package health

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer exposes grpc.health.v1.Health for orchestrators that probe
// over gRPC
type GRPCServer struct {
	server *grpc.Server
	port   int
	logger *zap.Logger
}

// NewGRPCServer registers hc's health service on a new gRPC server
func NewGRPCServer(hc *HealthChecker, port int, logger *zap.Logger) *GRPCServer {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, hc.GRPCHealthServer())
	reflection.Register(server)

	return &GRPCServer{
		server: server,
		port:   port,
		logger: logger,
	}
}

// Start listens on the configured port and serves until Stop
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}

	s.logger.Info("starting gRPC health server", zap.Int("port", s.port))
	if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight calls and stops the server
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}
