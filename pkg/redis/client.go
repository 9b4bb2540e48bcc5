// Package redis holds the connection shared by the Redis ledger backend, the
// scan event notifier and the audit stream consumer.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/utils"
)

// DefaultStreamMaxLen caps the scan event stream.
const DefaultStreamMaxLen = 10000

// Options holds the connection settings. A zero Addr means OptionsFromEnv.
type Options struct {
	Addr     string
	Password string
	DB       int

	PoolSize int
	// StreamMaxLen trims streams approximately on XAdd; negative disables trimming.
	StreamMaxLen int64
}

// OptionsFromEnv reads REDIS_HOST, REDIS_PORT, REDIS_PASSWORD, REDIS_DB,
// REDIS_POOL_SIZE and REDIS_STREAM_MAXLEN.
func OptionsFromEnv() Options {
	return Options{
		Addr:         utils.Env("REDIS_HOST", "localhost") + ":" + utils.Env("REDIS_PORT", "6379"),
		Password:     utils.Env("REDIS_PASSWORD", ""),
		DB:           utils.EnvInt("REDIS_DB", 0),
		PoolSize:     utils.EnvInt("REDIS_POOL_SIZE", 0),
		StreamMaxLen: utils.EnvInt64("REDIS_STREAM_MAXLEN", 0),
	}
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		env := OptionsFromEnv()
		if o.Password != "" {
			env.Password = o.Password
		}
		o = env
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 20
	}
	if o.StreamMaxLen == 0 {
		o.StreamMaxLen = DefaultStreamMaxLen
	}
	return o
}

// Client wraps a go-redis client with the handful of commands the wallet
// services use.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	maxLen int64
}

// NewClient connects and pings Redis.
func NewClient(ctx context.Context, logger *zap.Logger, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int64("stream_max_len", opts.StreamMaxLen))
	return &Client{rdb: rdb, logger: logger, maxLen: opts.StreamMaxLen}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

// GetClient exposes the go-redis client for the ledger backend's pipelines.
func (c *Client) GetClient() *redis.Client { return c.rdb }

func (c *Client) Health(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// Publish is best-effort: a failure is logged and dropped.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message", zap.String("channel", channel), zap.Error(err))
	}
}

// PSubscribe subscribes to channel patterns such as "oreo:events:account.*".
// The caller closes the returned PubSub.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return c.rdb.PSubscribe(ctx, patterns...)
}

// XAdd appends to a stream and returns the entry ID, or "" when Redis
// rejected it (logged).
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if c.maxLen > 0 {
		args.MaxLen, args.Approx = c.maxLen, true
	}
	id, err := c.rdb.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream", zap.String("stream", stream), zap.Error(err))
		return ""
	}
	return id
}

// XReadGroup reads for consumer within group starting at start: ">" for
// entries never delivered, "0" for the consumer's own pending entries.
func (c *Client) XReadGroup(ctx context.Context, group, consumer, stream, start string, count int64, block time.Duration) ([]redis.XStream, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}
	if start != ">" {
		// pending reads return immediately; a negative Block omits BLOCK
		args.Block = -1
	}
	return c.rdb.XReadGroup(ctx, args).Result()
}

func (c *Client) XAck(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	return c.rdb.XAck(ctx, stream, group, ids...).Result()
}

// XGroupCreateMkStream creates a consumer group, and the stream if missing.
// An existing group is not an error.
func (c *Client) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}
