// Package scan turns ledger state into scan jobs and reconciles worker
// reports against an account's stable checkpoint.
package scan

import (
	"strings"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
)

// Report is one block a worker observed while scanning an account.
type Report struct {
	Address    string `json:"address"`
	Sequence   int64  `json:"sequence"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
}

// Validate rejects reports that can never be applied.
func (r Report) Validate() error {
	switch {
	case strings.TrimSpace(r.Address) == "":
		return errs.Invalidf("report without address")
	case r.Sequence < 1:
		return errs.Invalidf("report %s: sequence %d out of range", r.Address, r.Sequence)
	case r.Hash == "":
		return errs.Invalidf("report %s@%d without hash", r.Address, r.Sequence)
	}
	return nil
}

// Job asks a worker to scan From..To (inclusive) for one account. Latest is
// the node head when the job was planned.
type Job struct {
	ID      string `json:"job_id"`
	Address string `json:"address"`
	From    int64  `json:"from_sequence"`
	To      int64  `json:"to_sequence"`
	Latest  int64  `json:"-"`

	Account *ledger.Account `json:"-"`
}

// Covers reports whether sequence falls inside the job range.
func (j *Job) Covers(sequence int64) bool {
	return sequence >= j.From && sequence <= j.To
}

// Outcome is what reconciliation did with a report.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeRecorded  Outcome = "recorded"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeReorg     Outcome = "reorg"
	OutcomeDropped   Outcome = "dropped"
	OutcomeVerified  Outcome = "verified"
	OutcomeRewound   Outcome = "rewound"
	OutcomePending   Outcome = "pending"
)

// Result is the account checkpoint after reconciliation.
type Result struct {
	Outcome  Outcome
	Head     int64
	Hash     string
	NeedScan bool
	// Promoted counts unstable rows folded into the head.
	Promoted int
}
