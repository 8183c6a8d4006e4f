// Redis-backed cache.
//
// The cache sits on the routing hot path: a lookup happens before every
// gateway selection, so a dead Redis must cost one failed dial, not one per
// request. After a failure the backend marks itself down for a cooldown
// window and answers misses locally until it elapses; state transitions are
// logged once instead of warning on every operation.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// opTimeout bounds each Redis operation. Routing latency budgets are
	// tight; a slow cache is treated the same as a down cache.
	opTimeout = 250 * time.Millisecond

	// downCooldown is how long the backend stays in local-miss mode after
	// a Redis failure before probing again.
	downCooldown = 15 * time.Second
)

// RedisCache is the shared backend for daemon replicas. Immutable entries
// (ttl <= 0) are stored without expiry; refreshable entries carry their TTL.
//
// All operations degrade gracefully: Get answers (nil, false) and Set
// answers nil whenever Redis is down or slow, so a cache outage never fails
// a routing decision — providers simply refetch.
type RedisCache struct {
	client *redis.Client
	log    *slog.Logger

	mu        sync.Mutex
	down      bool
	downUntil time.Time
}

// NewRedisCacheFromClient wraps an existing Redis client.
// The caller owns the client lifecycle (creation and Close).
func NewRedisCacheFromClient(redisCli *redis.Client) *RedisCache {
	return &RedisCache{client: redisCli, log: slog.Default()}
}

// NewRedisCacheFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns a RedisCache.
// Returns an error if the URL is invalid or the initial ping fails.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisCache{client: cli, log: slog.Default()}, nil
}

// Get retrieves the value for key.
// Returns (data, true) on a hit and (nil, false) on a miss, an error, or
// while the backend is in its outage cooldown.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if !c.available() {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.markDown(err)
			return nil, false
		}
		c.markUp()
		return nil, false
	}

	c.markUp()
	return val, true
}

// Set stores value under key. A positive ttl makes the entry expire; zero or
// negative ttl stores it without expiry (immutable content-addressed data).
// Always returns nil — the wayfinder keeps routing when the cache layer is
// unavailable.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !c.available() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if ttl < 0 {
		ttl = 0 // redis: zero expiration = persist
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		c.markDown(err)
		return nil
	}

	c.markUp()
	return nil
}

// Delete removes key from Redis.
// Returns the underlying error so callers can decide how to handle it.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// available reports whether the backend should be tried. While down, the
// cooldown absorbs all traffic; once it elapses the next operation acts as
// the recovery probe.
func (c *RedisCache) available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.down {
		return true
	}
	return time.Now().After(c.downUntil)
}

// markDown opens (or extends) the cooldown window, logging only the
// transition into the down state.
func (c *RedisCache) markDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.down {
		c.log.Warn("redis cache unavailable; serving misses locally",
			slog.Duration("cooldown", downCooldown),
			slog.String("error", err.Error()),
		)
	}
	c.down = true
	c.downUntil = time.Now().Add(downCooldown)
}

// markUp clears the down state, logging only an actual recovery.
func (c *RedisCache) markUp() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.down {
		c.log.Info("redis cache recovered")
		c.down = false
	}
}
