package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"golang-tick-hub/internal/session"

	"github.com/go-redis/redis/v8"
)

const statusKeyPrefix = "session:status:"

// RedisStatusCache shares routine session checks across hub instances
type RedisStatusCache struct {
	client *redis.Client
}

// NewRedisStatusCache connects to Redis and verifies the connection
func NewRedisStatusCache(ctx context.Context, redisURL string) (*RedisStatusCache, error) {
	var rdb *redis.Client

	if redisURL != "" {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
			DB:   0,
		})
	}

	cache := &RedisStatusCache{client: rdb}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("✅ Redis status cache initialized")
	return cache, nil
}

// Ping tests the Redis connection
func (c *RedisStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get returns the cached status or nil on a miss
func (c *RedisStatusCache) Get(ctx context.Context, key string) (*session.CachedStatus, error) {
	data, err := c.client.Get(ctx, statusKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cached status: %w", err)
	}
	return decodeStatus(data)
}

// Put stores a status with expiration ttl
func (c *RedisStatusCache) Put(ctx context.Context, key string, status session.CachedStatus, ttl time.Duration) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal cached status: %w", err)
	}
	if err := c.client.Set(ctx, statusKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cached status: %w", err)
	}
	return nil
}

// Delete removes a cached status
func (c *RedisStatusCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, statusKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached status: %w", err)
	}
	return nil
}

// GetStats returns cache statistics
func (c *RedisStatusCache) GetStats(ctx context.Context) (map[string]interface{}, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, statusKeyPrefix+"*", 500).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan status keys: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return map[string]interface{}{
		"cached_statuses":   count,
		"connection_status": "connected",
	}, nil
}

// Close closes the Redis connection
func (c *RedisStatusCache) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}

	log.Printf("✅ Redis status cache closed")
	return nil
}

func statusKey(key string) string {
	return statusKeyPrefix + key
}

func decodeStatus(data []byte) (*session.CachedStatus, error) {
	var status session.CachedStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached status: %w", err)
	}
	return &status, nil
}
