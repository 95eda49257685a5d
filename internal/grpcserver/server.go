// Package grpcserver serves the standard gRPC health protocol, driven by dependency probes.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ErrInvalidConfig reports a health server without probes.
var ErrInvalidConfig = errors.New("invalid health server config")

const (
	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

// Probe checks one dependency; a nil error means it is serving.
type Probe func(ctx context.Context) error

// Option customizes a HealthServer.
type Option func(*HealthServer)

// WithLogger logs status changes.
func WithLogger(logger *zap.Logger) Option {
	return func(server *HealthServer) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithProbeInterval sets how often probes run while serving.
func WithProbeInterval(interval time.Duration) Option {
	return func(server *HealthServer) {
		if interval > 0 {
			server.interval = interval
		}
	}
}

// HealthServer publishes one status per probe plus the overall status under the empty service name.
type HealthServer struct {
	probes   map[string]Probe
	names    []string
	health   *health.Server
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	statuses map[string]healthpb.HealthCheckResponse_ServingStatus
}

// New validates the probes. Every service starts out NOT_SERVING until the first Refresh.
func New(probes map[string]Probe, options ...Option) (*HealthServer, error) {
	if len(probes) == 0 {
		return nil, fmt.Errorf("%w: at least one probe is required", ErrInvalidConfig)
	}
	server := &HealthServer{
		probes:   make(map[string]Probe, len(probes)),
		health:   health.NewServer(),
		interval: defaultProbeInterval,
		logger:   zap.NewNop(),
		statuses: map[string]healthpb.HealthCheckResponse_ServingStatus{},
	}
	for name, probe := range probes {
		if name == "" || probe == nil {
			return nil, fmt.Errorf("%w: probe %q is unusable", ErrInvalidConfig, name)
		}
		server.probes[name] = probe
		server.names = append(server.names, name)
	}
	sort.Strings(server.names)
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	server.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for _, name := range server.names {
		server.health.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return server, nil
}

// Refresh runs every probe once and publishes the results.
func (server *HealthServer) Refresh(ctx context.Context) {
	overall := healthpb.HealthCheckResponse_SERVING
	for _, name := range server.names {
		probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		err := server.probes[name](probeCtx)
		cancel()
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		server.publish(name, status, err)
	}
	server.publish("", overall, nil)
}

func (server *HealthServer) publish(name string, status healthpb.HealthCheckResponse_ServingStatus, cause error) {
	server.mu.Lock()
	previous, seen := server.statuses[name]
	server.statuses[name] = status
	server.mu.Unlock()
	if seen && previous == status {
		return
	}
	server.health.SetServingStatus(name, status)
	fields := []zap.Field{zap.String("service", name), zap.String("status", status.String())}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
		server.logger.Warn("health status changed", fields...)
		return
	}
	server.logger.Info("health status changed", fields...)
}

// ListenAndServe listens on addr and serves until ctx ends.
func (server *HealthServer) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return server.Serve(ctx, lis)
}

// Serve serves the health service on lis, re-probing every interval, until ctx ends.
func (server *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, server.health)

	server.Refresh(ctx)
	go server.probeLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", lis.Addr().String()))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		server.health.Shutdown()
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func (server *HealthServer) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Refresh(ctx)
		}
	}
}
