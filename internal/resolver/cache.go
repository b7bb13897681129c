package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache keeps fetched remote representations in Redis so repeated
// resolutions of the same identifier stay off the network.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewCache(redisURL string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewCacheWithClient(client, ttl), nil
}

// NewCacheWithClient wraps an existing Redis client; used by tests.
func NewCacheWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client, prefix: "object:", ttl: ttl}
}

func (c *Cache) key(id string) string {
	return c.prefix + id
}

// Get returns the cached payload for id, or ok=false on a miss. Redis being
// unreachable is reported as an error so callers can fall through to fetch.
func (c *Cache) Get(ctx context.Context, id string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, c.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return payload, true, nil
}

func (c *Cache) Set(ctx context.Context, id string, payload []byte) error {
	if err := c.client.Set(ctx, c.key(id), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, c.key(id)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}
