package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig points at the Redis server.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisStore uses SETNX so concurrent scrapers agree on the first writer.
type RedisStore struct {
	client setNXer
	prefix string
}

// NewRedisStore connects lazily; the first MarkIfNew dials.
func NewRedisStore(cfg RedisConfig, prefix string) *RedisStore {
	return newRedisStore(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), prefix)
}

func newRedisStore(client setNXer, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ingest:seen:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// MarkIfNew implements Store.
func (s *RedisStore) MarkIfNew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
