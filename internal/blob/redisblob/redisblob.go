// Package redisblob stores overflow payloads as Redis strings. An object at
// redis://bucket/key lives under the Redis key "bucket/key".
package redisblob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/tileindex/internal/blob"
	"github.com/mohammed-shakir/tileindex/internal/core/observability"
)

const backend = "redis"

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

func WithDB(db int) Option {
	return func(o *redis.Options) { o.DB = db }
}

type Client struct {
	rdb *redis.Client
}

var _ blob.Store = (*Client)(nil)

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     64,
		MinIdleConns: 4,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveBlobOp(backend, "ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, &blob.BackendError{Backend: backend, Op: "ping", Err: err}
	}
	return &Client{rdb: rdb}, nil
}

func redisKey(rawURL string) (string, error) {
	ref, err := blob.ParseURL(rawURL)
	if err != nil {
		return "", err
	}
	if ref.Scheme != backend {
		return "", fmt.Errorf("redis blob store cannot serve %q", rawURL)
	}
	return ref.Bucket + "/" + ref.Key, nil
}

func (c *Client) Put(ctx context.Context, rawURL string, body []byte) error {
	key, err := redisKey(rawURL)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.rdb.Set(ctx, key, body, 0).Err()
	observability.ObserveBlobOp(backend, "put", err, time.Since(start).Seconds())
	if err != nil {
		return &blob.BackendError{Backend: backend, Op: fmt.Sprintf("SET %q", key), Err: err}
	}
	return nil
}

func (c *Client) Get(ctx context.Context, rawURL string) ([]byte, error) {
	key, err := redisKey(rawURL)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		observability.ObserveBlobOp(backend, "get", nil, time.Since(start).Seconds())
		return nil, fmt.Errorf("redis GET %q: %w", key, blob.ErrNotFound)
	}
	observability.ObserveBlobOp(backend, "get", err, time.Since(start).Seconds())
	if err != nil {
		return nil, &blob.BackendError{Backend: backend, Op: fmt.Sprintf("GET %q", key), Err: err}
	}
	return b, nil
}

func (c *Client) Delete(ctx context.Context, rawURL string) error {
	key, err := redisKey(rawURL)
	if err != nil {
		return err
	}
	start := time.Now()
	err = c.rdb.Del(ctx, key).Err()
	observability.ObserveBlobOp(backend, "delete", err, time.Since(start).Seconds())
	if err != nil {
		return &blob.BackendError{Backend: backend, Op: fmt.Sprintf("DEL %q", key), Err: err}
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
