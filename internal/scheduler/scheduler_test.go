package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"reservo/internal/domain"
	"reservo/internal/engine"
	"reservo/internal/util"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func (c fixedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}

type countingReconciler struct {
	mu     sync.Mutex
	calls  int
	stopAt int
	cancel context.CancelFunc
	err    error
}

func (r *countingReconciler) Reconcile(ctx context.Context) (engine.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls == r.stopAt {
		r.cancel()
	}
	return engine.Report{Due: 1}, r.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Tuesday 2024-06-18 10:00 New York.
var open = time.Date(2024, 6, 18, 14, 0, 0, 0, time.UTC)

func TestRunLoopsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &countingReconciler{stopAt: 3, cancel: cancel, err: errors.New("store busy")}

	d := New(rec, Options{Interval: time.Second, Clock: fixedClock{open}, Logger: quietLogger()})
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if rec.calls != 3 {
		t.Errorf("calls = %d, want 3", rec.calls)
	}
}

func TestTickMarketHoursGating(t *testing.T) {
	cal := util.NewTradingCalendar(domain.MarketUS)
	saturday := time.Date(2024, 6, 15, 15, 0, 0, 0, time.UTC)
	juneteenth := time.Date(2024, 6, 19, 15, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"open session", open, true},
		{"weekend", saturday, false},
		{"holiday", juneteenth, false},
		{"after close", open.Add(7 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &countingReconciler{cancel: func() {}}
			d := New(rec, Options{
				MarketHoursOnly: true,
				Calendar:        cal,
				Clock:           fixedClock{tt.now},
				Logger:          quietLogger(),
			})
			rep, ran, err := d.Tick(context.Background())
			if err != nil {
				t.Fatalf("Tick: %v", err)
			}
			if ran != tt.want {
				t.Errorf("ran = %v, want %v", ran, tt.want)
			}
			if ran && rep.Due != 1 {
				t.Errorf("Report.Due = %d, want 1", rep.Due)
			}
			wantCalls := 0
			if tt.want {
				wantCalls = 1
			}
			if rec.calls != wantCalls {
				t.Errorf("calls = %d, want %d", rec.calls, wantCalls)
			}
		})
	}
}

func TestTickWithoutGating(t *testing.T) {
	rec := &countingReconciler{cancel: func() {}}
	d := New(rec, Options{Clock: fixedClock{time.Date(2024, 6, 15, 15, 0, 0, 0, time.UTC)}, Logger: quietLogger()})
	if _, ran, err := d.Tick(context.Background()); !ran || err != nil {
		t.Errorf("Tick = %v, %v; want ran without error", ran, err)
	}
}

func TestTickGatingNeedsCalendar(t *testing.T) {
	d := New(&countingReconciler{cancel: func() {}}, Options{MarketHoursOnly: true, Logger: quietLogger()})
	if _, _, err := d.Tick(context.Background()); err == nil {
		t.Error("Tick without calendar returned nil error")
	}
}
