package clickhouse

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/events"
)

const eventsTable = "scan_events"

// EventStore is the append-only audit log of reconciliation events.
type EventStore struct {
	*Client
}

var _ events.Sink = (*EventStore)(nil)

func NewEventStore(ctx context.Context, logger *zap.Logger, dsn, database string) (*EventStore, error) {
	client, err := New(ctx, logger.With(zap.String("store", "clickhouse")), dsn, database)
	if err != nil {
		return nil, err
	}
	s := &EventStore{Client: client}
	if err := s.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// InitializeDB creates the events table.
func (s *EventStore) InitializeDB(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			type LowCardinality(String),
			address String,
			sequence Int64,
			hash String,
			head Int64,
			reason String,
			time DateTime64(3, 'UTC')
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(time)
		ORDER BY (address, time)
	`, eventsTable)
	return s.Exec(ctx, query)
}

// InsertEvents writes the batch in one round trip.
func (s *EventStore) InsertEvents(ctx context.Context, evs []events.Event) error {
	batch, err := s.Db.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (type, address, sequence, hash, head, reason, time)", eventsTable))
	if err != nil {
		return fmt.Errorf("prepare events batch: %w", err)
	}
	for _, ev := range evs {
		ev = events.Stamp(ev)
		if err := batch.Append(string(ev.Type), ev.Address, ev.Sequence, ev.Hash, ev.Head, ev.Reason, ev.Time); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append event: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send events batch: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events of address, newest first.
func (s *EventStore) RecentEvents(ctx context.Context, address string, limit int) ([]events.Event, error) {
	rows, err := s.Db.Query(ctx, fmt.Sprintf(`
		SELECT type, address, sequence, hash, head, reason, time
		FROM %s WHERE address = ? ORDER BY time DESC LIMIT ?`, eventsTable), address, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]events.Event, 0)
	for rows.Next() {
		var (
			ev  events.Event
			typ string
		)
		if err := rows.Scan(&typ, &ev.Address, &ev.Sequence, &ev.Hash, &ev.Head, &ev.Reason, &ev.Time); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = events.Type(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
