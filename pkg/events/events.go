// Package events carries best-effort notifications about reconciliation
// outcomes to Redis subscribers and the ClickHouse audit log.
package events

import (
	"context"
	"time"
)

// Type names an event.
type Type string

const (
	HeadAdvanced        Type = "head.advanced"
	HeadRewound         Type = "head.rewound"
	ReorgDetected       Type = "reorg.detected"
	UnstableRecorded    Type = "unstable.recorded"
	ReportDropped       Type = "report.dropped"
	Promoted            Type = "promoted"
	CheckpointVerified  Type = "checkpoint.verified"
	AccountImported     Type = "account.imported"
	AccountRemoved      Type = "account.removed"
	AccountRescanQueued Type = "account.rescan"
)

// Event is one notification. Head/Hash is the account checkpoint after the change.
type Event struct {
	Type     Type      `json:"type"`
	Address  string    `json:"address"`
	Sequence int64     `json:"sequence"`
	Hash     string    `json:"hash,omitempty"`
	Head     int64     `json:"head"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier publishes events. Implementations never fail the caller.
type Notifier interface {
	Publish(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to every notifier.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Publish(ctx, ev)
	}
}

// Stamp sets the event time when unset.
func Stamp(ev Event) Event {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	return ev
}
