// Package grpcapi exposes the kernel daemon over gRPC health checking
// and reflection (a health server and reflection registration around a
// bare grpc.Server). There is no application-specific .proto contract
// for the operator RPC surface — that lives in internal/adminapi's JSON
// surface instead — so this package's only job is making the daemon
// observable over gRPC the way its own services are.
package grpcapi

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ocap-kernel/kernel/internal/logging"
)

// Server wraps a bare grpc.Server with health checking and reflection,
// the gRPC-facing half of the kernel daemon's operator surface.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
}

// New constructs a Server. Call SetServing once the kernel façade has
// finished opening its store and is ready to accept work.
func New() *Server {
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	reflection.Register(grpcServer)

	return &Server{grpcServer: grpcServer, health: healthServer}
}

// SetServing flips the overall health status, used once Kernel.Run has
// started the crank loop and reaper.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Serve listens on address and blocks until Stop is called or the
// listener fails. A graceful Stop makes Serve return nil.
func (s *Server) Serve(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("grpcapi: listen on %s: %w", address, err)
	}
	s.listener = lis
	logging.Op().Info("grpcapi: serving", "address", address)
	return s.grpcServer.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
