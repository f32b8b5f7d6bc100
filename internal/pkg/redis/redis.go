// Package redis wraps go-redis with the few operations the service shares
// between the result cache, the job store, rate limiting and completion
// fan-out.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dialCheckTimeout = 5 * time.Second

type Client struct {
	rdb *redis.Client
}

// Connect parses a redis:// or rediss:// URL and fails unless the server
// answers PING.
func Connect(url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := Wrap(redis.NewClient(opts))

	ctx, cancel := context.WithTimeout(context.Background(), dialCheckTimeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Wrap adopts an existing client, e.g. one pointed at miniredis.
func Wrap(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func (c *Client) Raw() *redis.Client { return c.rdb }

func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Set stores value; ttl 0 keeps it forever.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Get returns "" without error for a missing key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return orZero(c.rdb.Get(ctx, key).Result())
}

// GetBytes returns nil without error for a missing key.
func (c *Client) GetBytes(ctx context.Context, key string) ([]byte, error) {
	return orZero(c.rdb.Get(ctx, key).Bytes())
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	return c.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe opens a pub/sub connection; the caller closes it.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

func orZero[T any](v T, err error) (T, error) {
	if errors.Is(err, redis.Nil) {
		var zero T
		return zero, nil
	}
	return v, err
}
