// Command reservo-reconcile runs a single reconciliation pass, for use from
// cron or a systemd timer.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"reservo/internal/app"
	"reservo/internal/config"
	"reservo/internal/scheduler"
	"reservo/internal/util"
)

func main() {
	force := flag.Bool("force", false, "run even when the market is closed")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Logs go to stderr so stdout carries only the report.
	logger := util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to start: %v", err)
	}
	defer a.Close()

	driver := scheduler.New(a.Engine, scheduler.Options{
		MarketHoursOnly: cfg.Scheduler.MarketHoursOnly && !*force,
		Calendar:        a.Calendar,
		Logger:          logger,
	})
	rep, ran, err := driver.Tick(ctx)
	if err != nil {
		logger.Error("reconcile pass failed", "error", err)
		a.Close()
		os.Exit(1)
	}
	if !ran {
		logger.Info("market closed, nothing to do")
		return
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		logger.Error("writing report", "error", err)
	}
}
