package broker

import (
	"context"
	"sync"
	"time"

	"reservo/internal/util"
)

// TokenFetcher obtains a fresh access token and its lifetime.
type TokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// TokenCache memoises an access token until shortly before it expires.
// Concurrent callers share a single refresh.
type TokenCache struct {
	fetch  TokenFetcher
	margin time.Duration
	clock  util.Clock

	mu       sync.Mutex
	token    string
	expireAt time.Time
}

// NewTokenCache creates a TokenCache that refreshes margin before expiry.
func NewTokenCache(fetch TokenFetcher, margin time.Duration, clock util.Clock) *TokenCache {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &TokenCache{fetch: fetch, margin: margin, clock: clock}
}

// Token returns the cached token, fetching a new one when it is missing or
// within the expiry margin.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.token != "" && now.Before(c.expireAt) {
		return c.token, nil
	}

	tok, ttl, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	c.expireAt = now.Add(ttl - c.margin)
	return tok, nil
}

// Invalidate drops the cached token, e.g. after the server rejected it.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}
