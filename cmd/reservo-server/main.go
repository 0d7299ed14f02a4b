package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"reservo/internal/api"
	"reservo/internal/app"
	"reservo/internal/config"
	"reservo/internal/httpapi"
	"reservo/internal/scheduler"
	"reservo/internal/util"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLoggerTo(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}

	opts := httpapi.Options{Pinger: a.Store, Events: a.Events, Logger: logger}
	if a.Registry != nil {
		opts.Gatherer = a.Registry
	}
	handler := httpapi.NewServer(a.Engine, opts).Handler()
	srv := api.NewServer(cfg.Server, handler, a.Store, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if cfg.Scheduler.Enabled {
		driver := scheduler.New(a.Engine, scheduler.Options{
			Interval:        cfg.Scheduler.Interval,
			MarketHoursOnly: cfg.Scheduler.MarketHoursOnly,
			Calendar:        a.Calendar,
			Logger:          logger,
		})
		g.Go(func() error { return driver.Run(gctx) })
	}

	err = g.Wait()
	if cerr := a.Close(); cerr != nil {
		logger.Error("closing components", "error", cerr)
	}
	if err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
