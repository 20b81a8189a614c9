package server

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/statsrunner/internal/controller"
)

// ServiceName is the health service name reported alongside the overall ("") status.
const ServiceName = "statsrunner.JobRunner"

// StateSource is what the health server watches (*controller.Controller).
type StateSource interface {
	State() controller.State
	Draining() <-chan struct{}
}

// Server serves the standard gRPC health protocol for the job runner.
// Status is SERVING while the controller accepts jobs and NOT_SERVING
// from the moment draining starts.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	source StateSource
	log    *slog.Logger
	stop   chan struct{}
}

// NewServer creates a new gRPC server instance.
func NewServer(source StateSource, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
		source: source,
		log:    slog.Default().With("component", "grpc"),
		stop:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.setStatus(statusFor(source.State()))
	go s.watch()
	return s
}

func (s *Server) watch() {
	select {
	case <-s.source.Draining():
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		s.log.Info("health set to NOT_SERVING", "state", s.source.State().String())
	case <-s.stop:
	}
}

func (s *Server) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve blocks until Stop is called or lis fails.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop gracefully stops the server, falling back to a hard stop when ctx ends first.
func (s *Server) Stop(ctx context.Context) {
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}
}

func statusFor(st controller.State) healthpb.HealthCheckResponse_ServingStatus {
	if st == controller.StateRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
