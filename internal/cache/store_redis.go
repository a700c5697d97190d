package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"credanchor/pkg/platform/sentinel"
)

// redisKeyPrefix namespaces this cache inside a shared redis.
const redisKeyPrefix = "anchor:cache:"

// RedisStore is a redis-backed Store for deployments where multiple
// instances should share lookup results.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Redis expires keys itself, so a miss covers both the
			// never-set and the aged-out case.
			return nil, fmt.Errorf("cache key %q: %w", key, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("cache get %q: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, redisKeyPrefix+key, value, ttl).Err()
}

func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	pattern := redisKeyPrefix + prefix + "*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("cache scan %q: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("cache delete: %w", err)
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}
