// Package scheduler drives periodic reconciliation passes.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"reservo/internal/engine"
	"reservo/internal/util"
)

// Reconciler runs one reconciliation pass.
type Reconciler interface {
	Reconcile(ctx context.Context) (engine.Report, error)
}

// Options configures a Driver.
type Options struct {
	Interval        time.Duration
	MarketHoursOnly bool
	Calendar        *util.TradingCalendar // required when MarketHoursOnly is set
	Clock           util.Clock
	Logger          *slog.Logger
}

// Driver calls Reconcile on a fixed interval until its context ends.
type Driver struct {
	rec  Reconciler
	opts Options
	log  *slog.Logger
}

// New creates a Driver for rec.
func New(rec Reconciler, opts Options) *Driver {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Driver{
		rec:  rec,
		opts: opts,
		log:  opts.Logger.With("component", "scheduler"),
	}
}

// Name returns the driver identifier.
func (d *Driver) Name() string { return "reconcile-scheduler" }

// Run performs a pass immediately and then one per interval. It blocks until
// ctx is cancelled and returns nil on cancellation; failed passes are logged
// and do not stop the loop.
func (d *Driver) Run(ctx context.Context) error {
	d.log.Info("scheduler started", "interval", d.opts.Interval, "market_hours_only", d.opts.MarketHoursOnly)
	for {
		if _, _, err := d.Tick(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("reconcile pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			d.log.Info("scheduler stopped")
			return nil
		case <-d.opts.Clock.After(d.opts.Interval):
		}
	}
}

// Tick runs a single pass unless market-hours gating skips it. The boolean
// reports whether a pass ran.
func (d *Driver) Tick(ctx context.Context) (engine.Report, bool, error) {
	if d.opts.MarketHoursOnly {
		if d.opts.Calendar == nil {
			return engine.Report{}, false, errors.New("market-hours gating needs a trading calendar")
		}
		if now := d.opts.Clock.Now(); !d.opts.Calendar.IsMarketOpen(now) {
			d.log.Debug("market closed, skipping pass", "now", now)
			return engine.Report{}, false, nil
		}
	}
	rep, err := d.rec.Reconcile(ctx)
	return rep, true, err
}
