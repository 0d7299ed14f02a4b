package notify

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
)

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	Channel  string
}

// RedisNotifier publishes events as JSON on a Redis pub/sub channel so that
// dashboards and bots can subscribe without polling the order store.
type RedisNotifier struct {
	client  *goredis.Client
	channel string
}

// NewRedisNotifier creates a publisher. The connection is established lazily
// on the first event.
func NewRedisNotifier(cfg RedisConfig) *RedisNotifier {
	return &RedisNotifier{
		client: goredis.NewClient(&goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: cfg.Channel,
	}
}

func (r *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("redis: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish to %s: %w", r.channel, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisNotifier) Close() error {
	return r.client.Close()
}
