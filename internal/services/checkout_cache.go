package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedCheckout is a still-valid hosted checkout page for a booking
type CachedCheckout struct {
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CheckoutCache remembers the last checkout session per booking so
// repeated clicks reuse one provider session
type CheckoutCache interface {
	Get(ctx context.Context, bookingID int64) (*CachedCheckout, error)
	Set(ctx context.Context, bookingID int64, checkout *CachedCheckout, ttl time.Duration) error
	Delete(ctx context.Context, bookingID int64) error
}

// RedisCheckoutCache stores checkout sessions in Redis
type RedisCheckoutCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCheckoutCache creates a cache over an existing client
func NewRedisCheckoutCache(client *redis.Client, prefix string) *RedisCheckoutCache {
	return &RedisCheckoutCache{client: client, prefix: prefix}
}

func (c *RedisCheckoutCache) key(bookingID int64) string {
	return fmt.Sprintf("%scheckout:booking:%d", c.prefix, bookingID)
}

// Get returns nil, nil on a miss
func (c *RedisCheckoutCache) Get(ctx context.Context, bookingID int64) (*CachedCheckout, error) {
	val, err := c.client.Get(ctx, c.key(bookingID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkout cache: %w", err)
	}

	var cached CachedCheckout
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		return nil, fmt.Errorf("failed to decode checkout cache: %w", err)
	}
	return &cached, nil
}

// Set stores the checkout for ttl
func (c *RedisCheckoutCache) Set(ctx context.Context, bookingID int64, checkout *CachedCheckout, ttl time.Duration) error {
	body, err := json.Marshal(checkout)
	if err != nil {
		return fmt.Errorf("failed to encode checkout cache: %w", err)
	}
	if err := c.client.Set(ctx, c.key(bookingID), body, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write checkout cache: %w", err)
	}
	return nil
}

// Delete drops the cached checkout of a booking
func (c *RedisCheckoutCache) Delete(ctx context.Context, bookingID int64) error {
	if err := c.client.Del(ctx, c.key(bookingID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkout cache: %w", err)
	}
	return nil
}
