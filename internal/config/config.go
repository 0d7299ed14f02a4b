package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when RESERVO_CONFIG is unset.
const DefaultPath = "config/reservo.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the reservo services.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Broker    Broker    `yaml:"broker"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	KIS       KIS       `yaml:"kis"`
	Logging   Logging   `yaml:"logging"`
	Engine    Engine    `yaml:"engine"`
	Scheduler Scheduler `yaml:"scheduler"`
	Notify    Notify    `yaml:"notify"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath string `yaml:"sqlite_path"`
	ArchiveDir string `yaml:"archive_dir"` // empty disables the Parquet archive
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
}

// Broker selects the brokerage implementation.
type Broker struct {
	Kind string `yaml:"kind"` // alpaca | kis | simulator
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// KIS holds Korea Investment & Securities overseas-stock credentials.
type KIS struct {
	AppKey          string `yaml:"app_key"`
	AppSecret       string `yaml:"app_secret"`
	Account         string `yaml:"account"`
	BaseURL         string `yaml:"base_url"`
	Paper           bool   `yaml:"paper"`
	Exchange        string `yaml:"exchange"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Engine holds execution parameters.
type Engine struct {
	MaxRetry         int           `yaml:"max_retry"`
	Tranches         int           `yaml:"tranches"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	Workers          int           `yaml:"workers"`
	BatchSize        int           `yaml:"batch_size"`
	RetainTerminal   int           `yaml:"retain_terminal"`
	MaxRepeatDays    int           `yaml:"max_repeat_days"`
	MaxScheduleAhead time.Duration `yaml:"max_schedule_ahead"`
}

// Scheduler controls the in-process reconciliation loop.
type Scheduler struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	MarketHoursOnly bool          `yaml:"market_hours_only"`
}

// Notify configures outcome notifications. Every configured sink receives
// every event.
type Notify struct {
	Log            bool   `yaml:"log"`
	WebhookURL     string `yaml:"webhook_url"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisChannel   string `yaml:"redis_channel"`
	RedisPassword  string `yaml:"redis_password"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled bool `yaml:"enabled"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration file path from RESERVO_CONFIG or the default.
func Path() string {
	if p := os.Getenv("RESERVO_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	switch c.Broker.Kind {
	case "alpaca", "kis", "simulator":
	default:
		return fmt.Errorf("broker.kind %q must be alpaca, kis or simulator", c.Broker.Kind)
	}
	if c.Engine.MaxRetry < 1 {
		return fmt.Errorf("engine.max_retry must be at least 1")
	}
	if c.Engine.Tranches < 1 {
		return fmt.Errorf("engine.tranches must be at least 1")
	}
	if c.Engine.StaleAfter <= 0 {
		return fmt.Errorf("engine.stale_after must be positive")
	}
	if c.Engine.RetainTerminal < 0 {
		return fmt.Errorf("engine.retain_terminal must not be negative")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/reservo.db"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Broker.Kind == "" {
		cfg.Broker.Kind = "simulator"
	}
	cfg.Broker.Kind = strings.ToLower(cfg.Broker.Kind)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	e := &cfg.Engine
	if e.MaxRetry == 0 {
		e.MaxRetry = 3
	}
	if e.Tranches == 0 {
		e.Tranches = 80
	}
	if e.StaleAfter == 0 {
		e.StaleAfter = 10 * time.Minute
	}
	if e.Workers <= 0 {
		e.Workers = 1
	}
	if e.MaxRepeatDays == 0 {
		e.MaxRepeatDays = 30
	}
	if e.MaxScheduleAhead == 0 {
		e.MaxScheduleAhead = 90 * 24 * time.Hour
	}

	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = time.Minute
	}
	if cfg.Notify.RedisChannel == "" {
		cfg.Notify.RedisChannel = "reservo:events"
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("RESERVO_ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}
	if v := os.Getenv("RESERVO_BROKER"); v != "" {
		cfg.Broker.Kind = v
	}
	if v := os.Getenv("RESERVO_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("KIS_APP_KEY"); v != "" {
		cfg.KIS.AppKey = v
	}
	if v := os.Getenv("KIS_APP_SECRET"); v != "" {
		cfg.KIS.AppSecret = v
	}
	if v := os.Getenv("KIS_ACCOUNT_NO"); v != "" {
		cfg.KIS.Account = v
	}

	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notify.TelegramChatID = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Notify.RedisAddr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
