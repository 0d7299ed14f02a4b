package broker

import (
	"fmt"

	"reservo/internal/config"
)

// New builds the broker selected by cfg.Broker.Kind.
func New(cfg *config.Config) (Broker, error) {
	switch cfg.Broker.Kind {
	case "alpaca":
		if cfg.Alpaca.APIKey == "" || cfg.Alpaca.APISecret == "" {
			return nil, fmt.Errorf("alpaca broker needs api_key and api_secret")
		}
		return NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, cfg.Alpaca.DataURL), nil
	case "kis":
		kb, err := NewKISBroker(KISConfig{
			AppKey:          cfg.KIS.AppKey,
			AppSecret:       cfg.KIS.AppSecret,
			Account:         cfg.KIS.Account,
			BaseURL:         cfg.KIS.BaseURL,
			Paper:           cfg.KIS.Paper,
			Exchange:        cfg.KIS.Exchange,
			RateLimitPerMin: cfg.KIS.RateLimitPerMin,
		}, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("building kis broker: %w", err)
		}
		return kb, nil
	case "simulator":
		return NewSimulatorBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
