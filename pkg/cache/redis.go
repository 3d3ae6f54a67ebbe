package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisBackend struct {
	client *redis.Client
}

func newRedisBackend(url string) (*redisBackend, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &redisBackend{client: redis.NewClient(options)}, nil
}

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}
