package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisAPI is the subset of *redis.Client the backend needs.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisBackend stores each conversation as one JSON value. A zero ttl keeps records forever.
type RedisBackend struct {
	client redisAPI
	ttl    time.Duration
}

func NewRedisBackend(client redisAPI, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl}
}

func redisKey(key string) string {
	return fmt.Sprintf("history:%s", key)
}

func (b *RedisBackend) Read(ctx context.Context, key string) (*Record, error) {
	var rec Record
	err := b.client.Get(ctx, redisKey(key)).Scan(&rec)
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return &rec, nil
}

func (b *RedisBackend) Write(ctx context.Context, key string, rec *Record) error {
	if err := b.client.Set(ctx, redisKey(key), rec, b.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
