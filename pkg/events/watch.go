package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
)

const (
	watchInitialBackoff = time.Second
	watchMaxBackoff     = 30 * time.Second
)

// AccountPattern matches the account lifecycle channels.
const AccountPattern = ChannelPrefix + "account.*"

// Watch delivers every event published on channels matching pattern to fn
// until ctx is done. A dropped subscription is re-established with backoff.
func Watch(ctx context.Context, client *oreoredis.Client, pattern string, logger *zap.Logger, fn func(Event)) {
	backoff := watchInitialBackoff
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		err := watchOnce(ctx, client, pattern, logger, fn)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("Event subscription ended, will retry",
			zap.String("pattern", pattern),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = NextBackoff(backoff, watchMaxBackoff, 2.0, 0.1)
	}
}

func watchOnce(ctx context.Context, client *oreoredis.Client, pattern string, logger *zap.Logger, fn func(Event)) error {
	pubsub := client.PSubscribe(ctx, pattern)
	defer func() {
		if err := pubsub.Close(); err != nil {
			logger.Debug("Closing event subscription", zap.Error(err))
		}
	}()

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := pubsub.Receive(receiveCtx); err != nil {
		return fmt.Errorf("confirm subscription: %w", err)
	}
	logger.Info("Subscribed to scan events", zap.String("pattern", pattern))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decodeMessage(msg)
			if err != nil {
				logger.Warn("Skipping malformed event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}

func decodeMessage(msg *redis.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" {
		ev.Type = TypeFromChannel(msg.Channel)
	}
	return ev, nil
}

// TypeFromChannel extracts the event type from a channel name.
func TypeFromChannel(channel string) Type {
	if !strings.HasPrefix(channel, ChannelPrefix) {
		return ""
	}
	return Type(strings.TrimPrefix(channel, ChannelPrefix))
}

// NextBackoff grows current by factor with ±jitter, never below current or above max.
func NextBackoff(current, max time.Duration, factor, jitterFactor float64) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		next = max
	}
	jitter := float64(next) * jitterFactor * (2*rand.Float64() - 1)
	next = time.Duration(float64(next) + jitter)
	if next < current {
		next = current
	}
	if next > max {
		next = max
	}
	return next
}
