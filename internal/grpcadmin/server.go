// Package grpcadmin is the gRPC admin/health surface (spec.md §4.K),
// generalized from the teacher's relay/internal/grpc.Server: the same
// NewServer/Start(net.Listen) shape and a unary interceptor, but the
// teacher's auth interceptor is replaced with a logging interceptor since
// end-user authentication is an explicit non-goal here, and the previously
// inert interceptor-only grpc.Server now actually registers a service: the
// standard google.golang.org/grpc/health/grpc_health_v1 health-checking
// service, reporting per-component liveness without requiring any
// protoc-generated application RPCs of our own.
package grpcadmin

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Component names reported through the health service, one per
// SPEC_FULL.md component with an independently observable liveness signal.
const (
	ComponentStore      = "mdhub.store"
	ComponentSupervisor = "mdhub.supervisor"
	ComponentEgress     = "mdhub.egress"
)

// Config tunes the gRPC admin server.
type Config struct {
	Port int
}

// Server is the gRPC admin/health surface.
type Server struct {
	cfg    Config
	log    *zap.Logger
	server *grpc.Server
	health *health.Server
}

// New creates a gRPC admin server with the standard health service registered.
func New(cfg Config, log *zap.Logger) *Server {
	s := &Server{cfg: cfg, log: log, health: health.NewServer()}
	s.server = grpc.NewServer(grpc.UnaryInterceptor(s.loggingInterceptor))
	grpc_health_v1.RegisterHealthServer(s.server, s.health)

	for _, component := range []string{ComponentStore, ComponentSupervisor, ComponentEgress} {
		s.health.SetServingStatus(component, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return s
}

// SetComponentHealth updates one component's reported liveness.
func (s *Server) SetComponentHealth(component string, healthy bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if healthy {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(component, status)
}

func (s *Server) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("grpc admin call failed", zap.String("method", info.FullMethod), zap.Error(err))
	} else {
		s.log.Debug("grpc admin call", zap.String("method", info.FullMethod))
	}
	return resp, err
}

// Start binds the listener and serves until the listener or server is closed.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", portAddr(s.cfg.Port))
	if err != nil {
		return errors.Wrap(err, "failed to bind grpc admin listener")
	}
	s.log.Info("starting grpc admin server", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop gracefully stops the server, marking every component NOT_SERVING first.
func (s *Server) Stop() {
	var once sync.Once
	once.Do(func() {
		s.health.Shutdown()
		s.server.GracefulStop()
	})
}

func portAddr(port int) string {
	if port <= 0 {
		port = 50051
	}
	return ":" + strconv.Itoa(port)
}
