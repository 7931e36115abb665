// Package redis adapts go-redis into domain.DistributedLock, used by the
// scheduler as a cheap, non-authoritative pre-check ahead of the Postgres
// row lock that actually decides which node runs a firing.
package redis

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type Client struct {
	RedisClient *redis.Client
}

func NewClient(ctx context.Context, dsn string) (*Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{RedisClient: client}, nil
}

func (c *Client) Lock(lockKey string, lockTimeDuration time.Duration) (result bool, err error) {
	result, err = c.RedisClient.SetNX(context.Background(), lockKey, 1, lockTimeDuration).Result()
	if err != nil {
		return false, err
	}
	return result, nil
}

func (c *Client) Unlock(lockKey string) (err error) {
	return c.RedisClient.Del(context.Background(), lockKey).Err()
}

func (c *Client) Close() (err error) {
	return c.RedisClient.Close()
}

func (c *Client) Ping(ctx context.Context) (err error) {
	return c.RedisClient.Ping(ctx).Err()
}
