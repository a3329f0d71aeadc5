// Package redis implements the context cache over a Redis instance. The
// insight store treats this tier as optional; every failure here is a miss,
// never an outage.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cdesk/warehouse-gateway/internal/domain"
)

// Cache implements domain.ContextCache on Redis strings. Keys are
// namespaced under a prefix so a shared instance stays legible.
type Cache struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing client. Prefix may be empty.
func New(rdb *redis.Client, prefix string) *Cache {
	return &Cache{rdb: rdb, prefix: prefix}
}

// Dial parses a redis:// URL, connects, and verifies the instance answers.
func Dial(ctx context.Context, rawURL, prefix string) (*Cache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("op=redis.Dial parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=redis.Dial ping: %w", err)
	}
	return New(rdb, prefix), nil
}

func (c *Cache) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Get implements domain.ContextCache. A missing key maps to
// domain.ErrNotFound so callers treat it as a plain miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("op=redis.Get: %w", err)
	}
	return b, nil
}

// Set implements domain.ContextCache.
func (c *Cache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(key), val, ttl).Err(); err != nil {
		return fmt.Errorf("op=redis.Set: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Cache) Close() error { return c.rdb.Close() }

var _ domain.ContextCache = (*Cache)(nil)
