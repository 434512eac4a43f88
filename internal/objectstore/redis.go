package objectstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is an ObjectBackend over a Redis instance, used as the
// optional shared cache_backend so multiple orchestrator processes
// agree on already-materialized fingerprint state without sharing a
// local filesystem. Keys are stored as plain strings with no expiry;
// callers that want eviction manage it with Delete.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend dials addr (host:port) with database index 0.
func NewRedisBackend(addr string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisBackend{client: client}, nil
}

func (b *RedisBackend) Save(ctx context.Context, key string, data []byte) error {
	return b.client.Set(ctx, key, data, 0).Err()
}

func (b *RedisBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, key).Err()
}

// List scans keys matching prefix+"*". Redis SCAN offers no ordering
// guarantee, so results are not content-addressed paths like the
// filesystem backend's; callers that need stable ordering should sort.
func (b *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (b *RedisBackend) Close(ctx context.Context) error {
	return b.client.Close()
}
