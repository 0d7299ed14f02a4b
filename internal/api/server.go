// Package api runs the reservo network listeners: the JSON API over HTTP and
// the standard gRPC health service.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"reservo/internal/config"
)

// ServiceName is the gRPC health service name reported alongside the
// server-wide "" entry.
const ServiceName = "reservo"

const healthInterval = 15 * time.Second

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	httpAddr string
	grpcAddr string

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server
	pinger  Pinger
	log     *slog.Logger
}

// NewServer creates a new Server configured from the given Config. A zero
// GRPCPort disables the gRPC listener.
func NewServer(cfg config.Server, handler http.Handler, pinger Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		httpAddr: net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		httpSrv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpcSrv: grpc.NewServer(),
		health:  health.NewServer(),
		pinger:  pinger,
		log:     logger.With("component", "api"),
	}
	if cfg.GRPCPort > 0 {
		s.grpcAddr = net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.GRPCPort))
	}
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	return s
}

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	var grpcLn net.Listener
	if s.grpcAddr != "" {
		if grpcLn, err = net.Listen("tcp", s.grpcAddr); err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs both servers on the given listeners. grpcLn may be nil. On
// context cancellation the servers are shut down gracefully and Serve
// returns nil.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	s.refreshHealth(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http listening", "addr", httpLn.Addr().String())
		if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", grpcLn.Addr().String())
			if err := s.grpcSrv.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("serving grpc: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		t := time.NewTicker(healthInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				s.refreshHealth(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()
	err := s.httpSrv.Shutdown(ctx)
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	return err
}

// refreshHealth mirrors store health into the gRPC health service.
func (s *Server) refreshHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.log.Warn("store health check failed", "error", err)
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
