package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/retry"
)

// StreamConsumerConfig configures a StreamConsumer. Stream, Group and
// Consumer are required.
type StreamConsumerConfig struct {
	Stream   string
	Group    string
	Consumer string

	// Count caps a batch. Default 100.
	Count int64
	// Block bounds one XREADGROUP wait. Default 5s.
	Block time.Duration
	// Backoff paces retries after a failed read or a rejected batch.
	// Default: 1s doubling to 30s.
	Backoff retry.Config

	Logger *zap.Logger
}

// BatchHandler processes one batch. Returning nil acknowledges every entry of
// the batch; an error leaves them pending and the same batch is offered again.
type BatchHandler func(ctx context.Context, msgs []Message) error

// Message is a single stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// GetData extracts the "data" field.
func (m *Message) GetData() []byte {
	switch data := m.Values["data"].(type) {
	case string:
		return []byte(data)
	case []byte:
		return data
	}
	return nil
}

// StreamConsumer delivers a stream to a BatchHandler through a consumer
// group. Entries this consumer received but never acknowledged, e.g. before
// a crash, are replayed before new ones are read.
type StreamConsumer struct {
	client *Client
	cfg    StreamConsumerConfig
	logger *zap.Logger

	// cursor is "0" while the pending backlog is replayed, then ">".
	cursor string
}

func NewStreamConsumer(client *Client, cfg StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("stream, group and consumer are required")
	}
	if cfg.Count <= 0 {
		cfg.Count = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = retry.Config{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("stream", cfg.Stream), zap.String("group", cfg.Group))
	return &StreamConsumer{client: client, cfg: cfg, logger: logger, cursor: "0"}, nil
}

// Run consumes until ctx is cancelled.
func (sc *StreamConsumer) Run(ctx context.Context, handler BatchHandler) error {
	if err := sc.client.XGroupCreateMkStream(ctx, sc.cfg.Stream, sc.cfg.Group, "0"); err != nil {
		return err
	}
	sc.logger.Info("Consumer group ready", zap.String("consumer", sc.cfg.Consumer))

	failures := 0
	var batch []Message
	for {
		err := ctx.Err()
		if err == nil && batch == nil {
			batch, err = sc.next(ctx)
		}
		if err == nil && len(batch) > 0 {
			if err = handler(ctx, batch); err == nil {
				sc.ack(ctx, batch)
			}
		}
		if err == nil {
			batch, failures = nil, 0
			continue
		}
		if ctx.Err() != nil {
			sc.logger.Info("Stream consumer stopped")
			return ctx.Err()
		}

		failures++
		delay := sc.cfg.Backoff.Delay(failures)
		sc.logger.Warn("Stream consumer error, will retry",
			zap.Int("pending", len(batch)),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// next reads one batch. An empty result is non-nil so Run does not read twice.
func (sc *StreamConsumer) next(ctx context.Context) ([]Message, error) {
	streams, err := sc.client.XReadGroup(ctx, sc.cfg.Group, sc.cfg.Consumer,
		sc.cfg.Stream, sc.cursor, sc.cfg.Count, sc.cfg.Block)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	msgs := []Message{}
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, Message{ID: m.ID, Stream: s.Stream, Values: m.Values})
		}
	}
	if sc.cursor != ">" && len(msgs) == 0 {
		sc.logger.Debug("Pending backlog drained", zap.String("consumer", sc.cfg.Consumer))
		sc.cursor = ">"
	}
	return msgs, nil
}

func (sc *StreamConsumer) ack(ctx context.Context, msgs []Message) {
	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	if _, err := sc.client.XAck(ctx, sc.cfg.Stream, sc.cfg.Group, ids...); err != nil {
		// the entries stay pending and come back on the next restart
		sc.logger.Warn("Failed to acknowledge messages", zap.Int("count", len(ids)), zap.Error(err))
	}
}
