package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is a storage backend for a single cache tier. L3/L4 may be
// network-backed; L1/L2 always stay in process memory.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

const redisKeyPrefix = "ctxcache:"

// RedisBackend stores tier entries in Redis, with Redis enforcing TTLs.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis at url (redis:// form) and verifies the
// connection with a ping.
func NewRedisBackend(ctx context.Context, url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

// Get fetches an entry from Redis. A missing key is not an error.
func (b *RedisBackend) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := b.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("redis entry decode: %w", err)
	}
	return &entry, true, nil
}

// Set stores an entry in Redis with the tier's TTL.
func (b *RedisBackend) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis entry encode: %w", err)
	}
	if err := b.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes an entry from Redis.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Clear removes all cache entries owned by this backend.
func (b *RedisBackend) Clear(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close releases the Redis connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
