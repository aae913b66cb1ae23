package repository

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the go-redis client used for cross-instance event
// mirroring. A deployment running a single API process can omit it.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient connects to redisURL and verifies connectivity before
// returning.
func NewRedisClient(redisURL string) (*RedisClient, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Client returns the underlying Redis client.
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping checks Redis connectivity.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// PSubscribe opens a pattern subscription, e.g. "eventbus:*". The caller
// owns the returned PubSub and must Close it.
func (r *RedisClient) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return r.client.PSubscribe(ctx, pattern)
}
