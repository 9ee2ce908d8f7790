// Package health probes the relay's dependencies in the background and
// publishes the result through the standard gRPC health service.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the name reported alongside the overall ("") status.
const ServiceName = "artefact-relay"

const probeTimeout = 2 * time.Second

// Pinger checks a dependency's reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor periodically pings the store and updates the health server.
type Monitor struct {
	store    Pinger
	server   *health.Server
	interval time.Duration
	logger   *slog.Logger
	serving  atomic.Bool
}

// NewMonitor creates a monitor. The status starts as NOT_SERVING until the
// first probe succeeds.
func NewMonitor(store Pinger, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	srv := health.NewServer()
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Monitor{
		store:    store,
		server:   srv,
		interval: interval,
		logger:   logger,
	}
}

// Server returns the underlying gRPC health server.
func (m *Monitor) Server() *health.Server {
	return m.server
}

// Probe pings the store once and records the result.
func (m *Monitor) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := m.store.Ping(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	if serving := err == nil; m.serving.Swap(serving) != serving {
		if serving {
			m.logger.Info("Health monitor: store reachable")
		} else {
			m.logger.Error("Health monitor: store unreachable", "error", err)
		}
	}

	m.server.SetServingStatus("", status)
	m.server.SetServingStatus(ServiceName, status)
	return err
}

// Start probes immediately and then on every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if err := m.Probe(ctx); err != nil {
		m.logger.Warn("Initial health probe failed", "error", err)
	}

	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Health monitor started", "interval", m.interval)

		for {
			select {
			case <-ticker.C:
				_ = m.Probe(ctx)
			case <-ctx.Done():
				m.server.Shutdown()
				m.logger.Info("Health monitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Serve exposes the health service on addr until ctx is done.
func (m *Monitor) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, m.server)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	m.logger.Info("gRPC health server starting", "addr", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}
