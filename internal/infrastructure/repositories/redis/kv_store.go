package redis

import (
	"context"
	"errors"

	"rtcwatch/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "rtcwatch:kv:"

// RedisKeyValueStore stores each key as a plain Redis string under a
// namespace prefix.
type RedisKeyValueStore struct {
	client *redis.Client
}

func NewRedisKeyValueStore(client *redis.Client) ports.KeyValueStore {
	return &RedisKeyValueStore{client: client}
}

func namespaced(key string) string {
	return keyPrefix + key
}

func (s *RedisKeyValueStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, namespaced(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisKeyValueStore) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, namespaced(key), value, 0).Err()
}

// Close is a no-op; the client is owned by the repository factory.
func (s *RedisKeyValueStore) Close() error {
	return nil
}
