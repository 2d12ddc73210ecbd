// Package store wraps the shared Redis instance that arbitrates board
// ownership across API processes. Reads retry through transient connection
// failures; conditional writes and script evals never do, since they carry
// their own atomic guard and a blind retry could double-apply.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/litanlitudan/soc-validation/internal/obs"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: key not found")
	// ErrUnavailable wraps connectivity failures to the store.
	ErrUnavailable = errors.New("store: unavailable")
)

// Sentinel TTL values, matching the store's own convention.
const (
	TTLNone    = time.Duration(-1) // key exists, no expiry set
	TTLMissing = time.Duration(-2) // key does not exist
)

type Config struct {
	URL          string
	MaxConns     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int           // bounded retry for idempotent reads
	RetryDelay   time.Duration // delay between read retries
}

func (cfg Config) withDefaults() Config {
	if cfg.URL == "" {
		cfg.URL = "redis://localhost:6379"
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 50
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	return cfg
}

type Client struct {
	rdb     *redis.Client
	cfg     Config
	logger  *obs.Logger
	metrics *obs.Metrics
}

// Open connects to the store and verifies the connection before returning.
func Open(ctx context.Context, cfg Config, logger *obs.Logger, metrics *obs.Metrics) (*Client, error) {
	cfg = cfg.withDefaults()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}
	opts.PoolSize = cfg.MaxConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	// Retry policy lives here, not in the driver.
	opts.MaxRetries = -1

	c := &Client{
		rdb:     redis.NewClient(opts),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := c.rdb.Ping(pingCtx).Err(); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	logger.Info(map[string]interface{}{
		"component": "store",
		"msg":       "connected",
		"url":       cfg.URL,
		"pool_size": cfg.MaxConns,
	})
	return c, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.withRetry(ctx, "ping", func() error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Get returns the value at key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var val []byte
	err := c.withRetry(ctx, "get", func() error {
		var err error
		val, err = c.rdb.Get(ctx, key).Bytes()
		return err
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set writes key with a TTL. A ttl of zero means no expiry.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.fail(c.rdb.Set(ctx, key, value, ttl).Err())
}

// SetNX writes key only if it does not exist. Returns whether the write won.
func (c *Client) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, c.fail(err)
	}
	return ok, nil
}

// Delete removes keys and returns how many existed.
func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, c.fail(err)
	}
	return n, nil
}

// TTL reports the remaining TTL for key; TTLNone when the key has no expiry,
// TTLMissing when the key is absent.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := c.withRetry(ctx, "ttl", func() error {
		var err error
		d, err = c.rdb.TTL(ctx, key).Result()
		return err
	})
	if err != nil {
		return 0, err
	}
	return d, nil
}

// Expire resets the TTL on key. Returns false if the key does not exist.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, c.fail(err)
	}
	return ok, nil
}

// Scan walks keys matching pattern, returning a page and the next cursor.
// A returned cursor of 0 ends the iteration.
func (c *Client) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	var (
		keys []string
		next uint64
	)
	err := c.withRetry(ctx, "scan", func() error {
		var err error
		keys, next, err = c.rdb.Scan(ctx, cursor, pattern, count).Result()
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return keys, next, nil
}

// Eval runs a script atomically on the store.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := c.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return nil, c.fail(err)
	}
	return res, nil
}

// withRetry runs an idempotent operation, retrying through transient store
// failures up to cfg.MaxRetries attempts.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.metrics != nil {
				c.metrics.StoreRetriesTotal.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryDelay):
			}
		}

		err := fn()
		if err == nil || errors.Is(err, redis.Nil) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return c.fail(err)
		}

		lastErr = err
		c.logger.Warn(map[string]interface{}{
			"component": "store",
			"op":        op,
			"attempt":   attempt + 1,
			"error":     err.Error(),
		})
	}
	return c.fail(lastErr)
}

func (c *Client) fail(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
