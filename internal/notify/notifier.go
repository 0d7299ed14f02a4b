// Package notify delivers order outcome events to external channels
// (log, webhook, Telegram, Redis pub/sub). Delivery is best effort: the
// execution engine ignores notifier errors.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"reservo/internal/config"
	"reservo/internal/domain"
)

// Kind classifies an event.
type Kind string

const (
	KindSuccess        Kind = "success"
	KindRetry          Kind = "retry"
	KindFailure        Kind = "failure"
	KindStaleRecovered Kind = "stale_recovered"
)

// Event reports one outcome of an order.
type Event struct {
	Kind   Kind               `json:"kind"`
	Order  domain.QueuedOrder `json:"order"`
	Detail string             `json:"detail,omitempty"`
	At     time.Time          `json:"at"`
}

// Title is a one-line summary used by chat-style sinks.
func (e Event) Title() string {
	return fmt.Sprintf("%s %s %s", e.Order.Ticker, e.Order.Side, e.Kind)
}

// Message renders the event body used by chat-style sinks.
func (e Event) Message() string {
	o := e.Order
	switch e.Kind {
	case KindSuccess:
		return fmt.Sprintf("order %s executed: %d @ %.2f (broker id %s)", o.ID, o.ExecQty, o.ExecPrice, o.BrokerOrderID)
	case KindStaleRecovered:
		return fmt.Sprintf("order %s recovered from a stale lock", o.ID)
	default:
		return fmt.Sprintf("order %s attempt %d failed: %s", o.ID, o.RetryCount, e.Detail)
	}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Notify delivers an event. Returns error if delivery fails.
	Notify(ctx context.Context, ev Event) error
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier. A nil logger selects the
// default logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{log: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	if ev.Kind == KindFailure {
		level = slog.LevelWarn
	}
	n.log.Log(ctx, level, "order event",
		"kind", ev.Kind,
		"order_id", ev.Order.ID,
		"ticker", ev.Order.Ticker,
		"side", ev.Order.Side,
		"status", ev.Order.Status,
		"retry_count", ev.Order.RetryCount,
		"detail", ev.Detail,
	)
	return nil
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// Multi delivers every event to all of its notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// ---------------------------------------------------------------------------
// Construction from configuration
// ---------------------------------------------------------------------------

// New builds the notifier chain described by cfg. The returned close
// function releases connections held by the sinks.
func New(cfg config.Notify, logger *slog.Logger) (Notifier, func() error, error) {
	var sinks Multi
	closers := []func() error{}

	if cfg.Log {
		sinks = append(sinks, NewLogNotifier(logger))
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" {
		if cfg.TelegramChatID == "" {
			return nil, nil, fmt.Errorf("telegram notifier needs a chat id")
		}
		sinks = append(sinks, NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.RedisAddr != "" {
		r := NewRedisNotifier(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Channel:  cfg.RedisChannel,
		})
		sinks = append(sinks, r)
		closers = append(closers, r.Close)
	}

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	if len(sinks) == 0 {
		return Nop{}, closeAll, nil
	}
	return sinks, closeAll, nil
}
