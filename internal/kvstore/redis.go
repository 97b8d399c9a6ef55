package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore implements Store on top of a real Redis server.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection with a
// bounded ping before returning.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) key(k string) string {
	return s.keyPrefix + k
}

func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := s.key(key)
	n, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := s.client.Expire(ctx, full, ttl).Err(); err != nil {
			return n, fmt.Errorf("arming ttl for %s: %w", key, err)
		}
	}
	return n, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("checking existence of %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) PushFront(ctx context.Context, key, value string, maxLen int, ttl time.Duration) ([]string, error) {
	full := s.key(key)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, full, value)
	pipe.LTrim(ctx, full, 0, int64(maxLen-1))
	if ttl > 0 {
		pipe.Expire(ctx, full, ttl)
	}
	lrange := pipe.LRange(ctx, full, 0, int64(maxLen-1))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("pushing to %s: %w", key, err)
	}
	return lrange.Val(), nil
}

func (s *RedisStore) SetMember(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key(key), value).Result()
	if err != nil {
		return false, fmt.Errorf("checking membership in %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) SetAdd(ctx context.Context, key, value string) error {
	if err := s.client.SAdd(ctx, s.key(key), value).Err(); err != nil {
		return fmt.Errorf("adding to set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
