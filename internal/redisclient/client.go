package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// CacheStockLevel writes an advisory stock snapshot. The database rows stay
// authoritative; this only serves read traffic.
func (c *Client) CacheStockLevel(ctx context.Context, variantID, locationID int64, available, reserved int) error {
	key := stockKey(variantID, locationID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "available", available)
	pipe.HSet(ctx, key, "reserved", reserved)
	pipe.Expire(ctx, key, time.Hour)

	_, err := pipe.Exec(ctx)
	return err
}

// GetStockLevel retrieves a cached stock snapshot. found is false on a miss.
func (c *Client) GetStockLevel(ctx context.Context, variantID, locationID int64) (available, reserved int, found bool, err error) {
	result, err := c.rdb.HGetAll(ctx, stockKey(variantID, locationID)).Result()
	if err != nil {
		return 0, 0, false, err
	}
	if len(result) == 0 {
		return 0, 0, false, nil
	}

	fmt.Sscanf(result["available"], "%d", &available)
	fmt.Sscanf(result["reserved"], "%d", &reserved)
	return available, reserved, true, nil
}

func stockKey(variantID, locationID int64) string {
	return fmt.Sprintf("stock:%d:%d", variantID, locationID)
}

// SetIdempotencyKey stores an idempotency key with TTL
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), value, ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, fmt.Sprintf("idempotency:%s", key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// AcquireLock acquires a distributed lock. Background jobs use it so only one
// instance runs a sweep at a time.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
