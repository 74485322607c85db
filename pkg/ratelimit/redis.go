package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares limits between processes through Redis. Each entry is
// a key holding the disabled-until time in unix milliseconds and expiring
// at that time, so Redis evicts stale limits on its own.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

// NewRedisStore creates a store backed by the Redis server at addr. The
// namespace separates limits of different projects or keys.
func NewRedisStore(addr, password string, db int, namespace string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreWithClient(rdb, namespace)
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(c Category) string {
	return fmt.Sprintf("beacon:ratelimit:%s:%s", s.namespace, c.String())
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) DisabledUntil(ctx context.Context, c Category) (time.Time, error) {
	v, err := s.client.Get(ctx, s.key(c)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("redis rate limit read: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis rate limit value %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}

func (s *RedisStore) SetDisabledUntil(ctx context.Context, c Category, until time.Time) error {
	if !until.After(time.Now()) {
		// Already expired; nothing worth sharing.
		return nil
	}
	err := s.client.SetArgs(ctx, s.key(c), until.UnixMilli(), redis.SetArgs{ExpireAt: until}).Err()
	if err != nil {
		return fmt.Errorf("redis rate limit write: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
