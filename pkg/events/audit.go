package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
)

// Sink stores events durably, e.g. the ClickHouse scan_events table.
type Sink interface {
	InsertEvents(ctx context.Context, evs []Event) error
}

// Auditor drains Stream through a consumer group into a Sink, keeping the
// audit store off the reconciliation path.
type Auditor struct {
	consumer *oreoredis.StreamConsumer
	sink     Sink
	logger   *zap.Logger
}

func NewAuditor(client *oreoredis.Client, sink Sink, consumerName string, logger *zap.Logger) (*Auditor, error) {
	consumer, err := oreoredis.NewStreamConsumer(client, oreoredis.StreamConsumerConfig{
		Stream:   Stream,
		Group:    "oreo-audit",
		Consumer: consumerName,
		Count:    500,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return &Auditor{consumer: consumer, sink: sink, logger: logger}, nil
}

// Run blocks until ctx is cancelled.
func (a *Auditor) Run(ctx context.Context) error {
	return a.consumer.Run(ctx, a.handle)
}

func (a *Auditor) handle(ctx context.Context, msgs []oreoredis.Message) error {
	evs := DecodeMessages(msgs, a.logger)
	if len(evs) == 0 {
		return nil
	}
	return a.sink.InsertEvents(ctx, evs)
}

// DecodeMessages turns stream entries into events, skipping malformed ones.
func DecodeMessages(msgs []oreoredis.Message, logger *zap.Logger) []Event {
	out := make([]Event, 0, len(msgs))
	for i := range msgs {
		var ev Event
		if err := json.Unmarshal(msgs[i].GetData(), &ev); err != nil {
			logger.Warn("Skipping malformed scan event", zap.String("id", msgs[i].ID), zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out
}
