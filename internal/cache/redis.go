package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	clamav "github.com/DevHatRo/clamav-gateway-go"
)

const redisKeyPrefix = "clamav:scan:"

// RedisCache shares verdicts between gateway instances. Keys expire ttl after
// they are stored, and Lookup applies the same validity window as MemoryCache
// measured from the verdict's scan time.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithRedisClock overrides time.Now, for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(c *RedisCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// NewRedisCache creates a cache storing verdicts in client.
func NewRedisCache(client *redis.Client, ttl time.Duration, opts ...RedisOption) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &RedisCache{client: client, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the cached verdict for hash, or nil if missing or stale.
func (c *RedisCache) Lookup(ctx context.Context, hash string) (*clamav.ScanResult, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if !entry.Valid(c.now(), c.ttl) {
		return nil, nil
	}
	return &entry.Result, nil
}

// Store records result for hash with a key expiry of ttl.
func (c *RedisCache) Store(ctx context.Context, hash string, result clamav.ScanResult) error {
	raw, err := json.Marshal(Entry{Result: result, ScannedAt: result.ScannedAt})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisKeyPrefix+hash, raw, c.ttl).Err()
}

// Clear deletes the gateway's keys only; other data in the database is untouched.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return c.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Size counts the gateway's keys. Entries past their validity window but not
// yet expired by Redis are included.
func (c *RedisCache) Size(ctx context.Context) (int, error) {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	n := 0
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}
