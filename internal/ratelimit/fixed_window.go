// Package ratelimit throttles abuse-prone endpoints with a Redis-backed
// fixed window counter, so the limit holds across replicas.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// countInWindow increments the window counter and starts its expiry on
// first touch, in one round trip.
var countInWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

const redisTimeout = 2 * time.Second

// FixedWindowLimiter admits at most Limit requests per key per Window.
// Windows are aligned to wall-clock multiples of the window length, so a
// burst straddling a boundary can briefly see up to twice the limit.
type FixedWindowLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// Config tunes the limiter. Addr, Limit, and Window are required; Prefix
// defaults to "gallery:ratelimit".
type Config struct {
	Addr     string
	Password string
	Prefix   string
	Limit    int
	Window   time.Duration
}

// New connects the limiter to Redis.
func New(cfg Config) (*FixedWindowLimiter, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return nil, errors.New("limit and window must be positive")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "gallery:ratelimit"
	}
	return &FixedWindowLimiter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
		}),
		prefix: prefix,
		limit:  cfg.Limit,
		window: cfg.Window,
	}, nil
}

// Allow reports whether the key may proceed. Redis failures fail closed:
// a broken limiter must not turn into an unthrottled login endpoint.
func (l *FixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}

	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	n, err := countInWindow.Run(ctx, l.client, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return n <= int64(l.limit)
}
