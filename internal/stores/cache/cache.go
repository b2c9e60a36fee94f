package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/payment"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "checkout:intent-status:"

// StatusCache keeps recent gateway statuses so client polling does not hit
// the processor on every request.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatusCache(client *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &StatusCache{client: client, ttl: ttl}
}

func cacheKey(correlationID string) string {
	return keyPrefix + correlationID
}

// Get returns the cached status and whether it was present.
func (c *StatusCache) Get(ctx context.Context, correlationID string) (payment.IntentStatus, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(correlationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return payment.IntentStatus(val), true, nil
}

func (c *StatusCache) Set(ctx context.Context, correlationID string, status payment.IntentStatus) error {
	if err := c.client.Set(ctx, cacheKey(correlationID), string(status), c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *StatusCache) Invalidate(ctx context.Context, correlationID string) error {
	if err := c.client.Del(ctx, cacheKey(correlationID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
