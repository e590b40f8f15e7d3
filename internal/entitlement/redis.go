package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PortNumber53/credit-ledger/internal/models"
)

const keyPrefix = "entitlement:"

// RedisCache stores entitlement decisions as JSON with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to the Redis URL and pings it.
func NewRedisCache(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("entitlement: parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("entitlement: connect to redis: %w", err)
	}
	return NewRedisCacheFromClient(client, ttl), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, accountID string) (models.Entitlement, bool, error) {
	raw, err := c.client.Get(ctx, keyPrefix+accountID).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Entitlement{}, false, nil
	}
	if err != nil {
		return models.Entitlement{}, false, fmt.Errorf("entitlement: redis get: %w", err)
	}

	var e models.Entitlement
	if err := json.Unmarshal(raw, &e); err != nil {
		return models.Entitlement{}, false, fmt.Errorf("entitlement: decode cached value: %w", err)
	}
	return e, true, nil
}

func (c *RedisCache) Set(ctx context.Context, accountID string, e models.Entitlement) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("entitlement: encode value: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+accountID, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("entitlement: redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, accountID string) error {
	if err := c.client.Del(ctx, keyPrefix+accountID).Err(); err != nil {
		return fmt.Errorf("entitlement: redis del: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
