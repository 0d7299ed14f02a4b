package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"reservo/internal/broker"
	"reservo/internal/config"
	"reservo/internal/domain"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		Storage: config.Storage{
			SQLitePath: filepath.Join(dir, "nested", "reservo.db"),
			ArchiveDir: filepath.Join(dir, "archive"),
		},
		Broker: config.Broker{Kind: "simulator"},
		Engine: config.Engine{
			MaxRetry:         3,
			Tranches:         80,
			StaleAfter:       10 * time.Minute,
			Workers:          2,
			MaxRepeatDays:    30,
			MaxScheduleAhead: 90 * 24 * time.Hour,
		},
		Notify:  config.Notify{Log: true},
		Metrics: config.Metrics{Enabled: true},
	}
}

func TestNewWiresSimulator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), testConfig(t), logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	sim, ok := a.Broker.(*broker.SimulatorBroker)
	if !ok {
		t.Fatalf("Broker = %T, want *broker.SimulatorBroker", a.Broker)
	}
	sim.SetPrice("TQQQ", 50)

	subID, events := a.Events.Subscribe(4)
	defer a.Events.Unsubscribe(subID)

	ctx := context.Background()
	if _, err := a.Engine.Reserve(ctx, domain.Intent{
		Owner: "alice", Ticker: "TQQQ", Side: domain.SideBuyAverage, Seed: 8000, AvgPrice: 40,
	}, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	rep, err := a.Engine.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if rep.Done != 1 {
		t.Errorf("Report = %+v, want one done", rep)
	}

	select {
	case ev := <-events:
		if ev.Order.Status != domain.StatusDone {
			t.Errorf("event order status = %s, want DONE", ev.Order.Status)
		}
	default:
		t.Error("no event broadcast for the executed order")
	}

	if a.Registry == nil {
		t.Fatal("Registry is nil with metrics enabled")
	}
	n, err := testutil.GatherAndCount(a.Registry, "reservo_orders_done_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 1 {
		t.Errorf("done series = %d, want 1", n)
	}
}

func TestNewRejectsIncompleteBroker(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.Kind = "alpaca"
	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("New with alpaca and no keys returned nil error")
	}
}
