// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

// Package healthsrv exposes the connection state of the guest through the
// standard gRPC health service.
package healthsrv

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Services reported by the guest. The empty name is the overall status.
const (
	ServiceOverall  = ""
	ServiceXenstore = "xenstore"
	ServiceNetfront = "netfront"
)

// Server is a gRPC server carrying only the health service.
type Server struct {
	logger *slog.Logger
	grpc   *grpc.Server
	health *health.Server
}

// New creates a server with every service NOT_SERVING.
func New(logger *slog.Logger) *Server {
	s := &Server{
		logger: logger,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}

	healthpb.RegisterHealthServer(s.grpc, s.health)

	for _, svc := range []string{ServiceOverall, ServiceXenstore, ServiceNetfront} {
		s.health.SetServingStatus(svc, healthpb.HealthCheckResponse_NOT_SERVING)
	}

	return s
}

// SetServing updates the status of service. It is safe to call from any
// goroutine.
func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}

	s.logger.Debug("health status changed", "service", service, "status", status)
	s.health.SetServingStatus(service, status)
}

// Serve answers health checks on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
	defer stop()

	s.logger.Info("health server listening", "addr", lis.Addr().String())

	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

// Listen opens a TCP listener on addr and serves on it until ctx is done.
func (s *Server) Listen(ctx context.Context, addr string) error {
	var lc net.ListenConfig

	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	return s.Serve(ctx, lis)
}
