// Package app assembles the reservo components from configuration. The
// server and one-shot binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"reservo/internal/broker"
	"reservo/internal/config"
	"reservo/internal/domain"
	"reservo/internal/engine"
	"reservo/internal/notify"
	"reservo/internal/store"
	"reservo/internal/util"
)

// calendarLookback covers sessions that started before now.
const calendarLookback = 7 * 24 * time.Hour

// App holds the wired components.
type App struct {
	Config   *config.Config
	Store    *store.SQLiteStore
	Broker   broker.Broker
	Calendar *util.TradingCalendar
	Engine   *engine.Engine
	Registry *prometheus.Registry // nil when metrics are disabled
	Events   *notify.Broadcaster

	closers []func() error
}

// New opens the store, builds the brokerage, notifier chain, calendar and
// engine described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg}

	if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	a.Store = s
	a.closers = append(a.closers, s.Close)

	b, err := broker.New(cfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building broker: %w", err)
	}
	a.Broker = b

	notifier, closeNotify, err := notify.New(cfg.Notify, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("building notifiers: %w", err)
	}
	a.closers = append(a.closers, closeNotify)
	a.Events = notify.NewBroadcaster()

	a.Calendar = util.NewTradingCalendar(domain.MarketUS)
	a.loadSessions(ctx, logger)

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = a.Registry
	}

	opts := []engine.Option{
		engine.WithNotifier(notify.Multi{notifier, a.Events}),
		engine.WithCalendar(a.Calendar),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithLogger(logger),
	}
	if cfg.Storage.ArchiveDir != "" {
		opts = append(opts, engine.WithArchive(store.NewParquetArchive(cfg.Storage.ArchiveDir)))
	}
	a.Engine = engine.NewEngine(engine.ConfigFrom(cfg.Engine), s, b, opts...)

	logger.Info("components ready",
		"broker", b.Name(),
		"sqlite", cfg.Storage.SQLitePath,
		"archive", cfg.Storage.ArchiveDir,
		"metrics", cfg.Metrics.Enabled,
	)
	return a, nil
}

// loadSessions replaces the rule-based calendar with the brokerage's session
// list when the brokerage publishes one. Failures keep the rules.
func (a *App) loadSessions(ctx context.Context, logger *slog.Logger) {
	ab, ok := a.Broker.(*broker.AlpacaBroker)
	if !ok {
		return
	}
	now := time.Now()
	sessions, err := ab.Sessions(ctx, a.Calendar.Location(), now.Add(-calendarLookback), now.Add(a.Config.Engine.MaxScheduleAhead))
	if err != nil {
		logger.Warn("loading market calendar, using holiday rules", "error", err)
		return
	}
	a.Calendar.LoadSessions(sessions)
	logger.Info("market calendar loaded", "sessions", len(sessions))
}

// Close releases the store and notifier connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
