package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
)

const (
	// ChannelPrefix + event type is the pub/sub channel, e.g. oreo:events:head.advanced.
	ChannelPrefix = "oreo:events:"
	// Stream keeps a capped history for the audit pump.
	Stream = "oreo:scan-events"
)

// Publisher is the subset of the Redis client the notifier needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{})
	XAdd(ctx context.Context, stream string, values map[string]interface{}) string
}

var _ Publisher = (*oreoredis.Client)(nil)

// RedisNotifier publishes every event on its channel and appends it to Stream.
type RedisNotifier struct {
	client Publisher
	logger *zap.Logger
}

func NewRedisNotifier(client Publisher, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, logger: logger}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev Event) {
	ev = Stamp(ev)
	payload, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("Failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	n.client.Publish(ctx, ChannelPrefix+string(ev.Type), payload)
	n.client.XAdd(ctx, Stream, map[string]interface{}{
		"type":    string(ev.Type),
		"address": ev.Address,
		"data":    string(payload),
	})
}
