package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"reservo/internal/config"
)

type switchPinger struct{ down atomic.Bool }

func (p *switchPinger) Ping(context.Context) error {
	if p.down.Load() {
		return errors.New("disk I/O error")
	}
	return nil
}

func healthClient(t *testing.T, lis *bufconn.Listener) healthpb.HealthClient {
	t.Helper()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestServeHealthAndShutdown(t *testing.T) {
	pinger := &switchPinger{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(config.Server{Host: "127.0.0.1"}, mux, pinger, logger)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	grpcLn := bufconn.Listen(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, httpLn, grpcLn) }()

	resp, err := http.Get("http://" + httpLn.Addr().String() + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("GET /ping status = %d, want 204", resp.StatusCode)
	}

	client := healthClient(t, grpcLn)
	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		res, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		return res.GetStatus()
	}

	if got := check(""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall status = %v, want SERVING", got)
	}
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("%s status = %v, want SERVING", ServiceName, got)
	}

	pinger.down.Store(true)
	s.refreshHealth(context.Background())
	if got := check(ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("status after store failure = %v, want NOT_SERVING", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestNewServerAddresses(t *testing.T) {
	s := NewServer(config.Server{Host: "0.0.0.0", Port: 8080, GRPCPort: 9090}, http.NewServeMux(), nil, nil)
	if s.httpAddr != "0.0.0.0:8080" {
		t.Errorf("httpAddr = %q, want 0.0.0.0:8080", s.httpAddr)
	}
	if s.grpcAddr != "0.0.0.0:9090" {
		t.Errorf("grpcAddr = %q, want 0.0.0.0:9090", s.grpcAddr)
	}

	s = NewServer(config.Server{Port: 8080}, http.NewServeMux(), nil, nil)
	if s.grpcAddr != "" {
		t.Errorf("grpcAddr = %q, want disabled", s.grpcAddr)
	}
}
