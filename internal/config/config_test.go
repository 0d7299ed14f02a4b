package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reservo.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SQLITE_PATH", "RESERVO_ARCHIVE_DIR", "RESERVO_BROKER", "RESERVO_PORT",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
		"KIS_APP_KEY", "KIS_APP_SECRET", "KIS_ACCOUNT_NO", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  sqlite_path: "/tmp/reservo/reservo.db"
  archive_dir: "/tmp/reservo/archive"
server:
  host: "127.0.0.1"
  port: 8081
  grpc_port: 9091
broker:
  kind: KIS
kis:
  app_key: "k"
  app_secret: "s"
  account: "12345678-01"
  paper: true
logging:
  level: "debug"
engine:
  max_retry: 5
  tranches: 40
  stale_after: 15m
  workers: 4
  retain_terminal: 1000
scheduler:
  enabled: true
  interval: 30s
  market_hours_only: true
notify:
  log: true
  redis_addr: "localhost:6379"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.SQLitePath != "/tmp/reservo/reservo.db" {
		t.Errorf("Storage.SQLitePath = %q, want %q", cfg.Storage.SQLitePath, "/tmp/reservo/reservo.db")
	}
	if cfg.Server.Port != 8081 || cfg.Server.GRPCPort != 9091 {
		t.Errorf("Server ports = %d/%d, want 8081/9091", cfg.Server.Port, cfg.Server.GRPCPort)
	}
	if cfg.Broker.Kind != "kis" {
		t.Errorf("Broker.Kind = %q, want %q", cfg.Broker.Kind, "kis")
	}
	if !cfg.KIS.Paper || cfg.KIS.Account != "12345678-01" {
		t.Errorf("KIS = %+v", cfg.KIS)
	}
	if cfg.Engine.MaxRetry != 5 || cfg.Engine.Tranches != 40 || cfg.Engine.Workers != 4 {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Engine.StaleAfter != 15*time.Minute {
		t.Errorf("Engine.StaleAfter = %v, want 15m", cfg.Engine.StaleAfter)
	}
	if cfg.Scheduler.Interval != 30*time.Second || !cfg.Scheduler.MarketHoursOnly {
		t.Errorf("Scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Notify.RedisChannel != "reservo:events" {
		t.Errorf("Notify.RedisChannel = %q, want default", cfg.Notify.RedisChannel)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "logging:\n  format: text\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Broker.Kind != "simulator" {
		t.Errorf("Broker.Kind = %q, want simulator", cfg.Broker.Kind)
	}
	if cfg.Engine.MaxRetry != 3 {
		t.Errorf("Engine.MaxRetry = %d, want 3", cfg.Engine.MaxRetry)
	}
	if cfg.Engine.Tranches != 80 {
		t.Errorf("Engine.Tranches = %d, want 80", cfg.Engine.Tranches)
	}
	if cfg.Engine.StaleAfter != 10*time.Minute {
		t.Errorf("Engine.StaleAfter = %v, want 10m", cfg.Engine.StaleAfter)
	}
	if cfg.Engine.Workers != 1 {
		t.Errorf("Engine.Workers = %d, want 1", cfg.Engine.Workers)
	}
	if cfg.Scheduler.Interval != time.Minute {
		t.Errorf("Scheduler.Interval = %v, want 1m", cfg.Scheduler.Interval)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("ALPACA_API_KEY", "from-env")
	t.Setenv("APCA_API_KEY_ID", "canonical")
	t.Setenv("KIS_ACCOUNT_NO", "87654321-01")
	t.Setenv("RESERVO_BROKER", "alpaca")
	t.Setenv("SQLITE_PATH", "/var/lib/reservo.db")

	cfg, err := Load(writeConfig(t, "broker:\n  kind: simulator\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "canonical" {
		t.Errorf("Alpaca.APIKey = %q, want the APCA_ value", cfg.Alpaca.APIKey)
	}
	if cfg.KIS.Account != "87654321-01" {
		t.Errorf("KIS.Account = %q", cfg.KIS.Account)
	}
	if cfg.Broker.Kind != "alpaca" {
		t.Errorf("Broker.Kind = %q, want alpaca", cfg.Broker.Kind)
	}
	if cfg.Storage.SQLitePath != "/var/lib/reservo.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"unknown broker":     "broker:\n  kind: ibkr\n",
		"negative retention": "engine:\n  retain_terminal: -1\n",
		"negative retry":     "engine:\n  max_retry: -2\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: Load() should fail", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}

func TestPath(t *testing.T) {
	t.Setenv("RESERVO_CONFIG", "")
	if got := Path(); got != DefaultPath {
		t.Errorf("Path() = %q, want %q", got, DefaultPath)
	}
	t.Setenv("RESERVO_CONFIG", "/etc/reservo.yaml")
	if got := Path(); got != "/etc/reservo.yaml" {
		t.Errorf("Path() = %q, want /etc/reservo.yaml", got)
	}
}
