package session

import (
	"encoding/json"
	"fmt"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/scan"
)

// FrameType discriminates worker protocol frames.
type FrameType string

const (
	// coordinator -> worker
	FrameChallenge FrameType = "challenge"
	FrameJob       FrameType = "job"
	FrameCancel    FrameType = "cancel"
	FrameError     FrameType = "error"

	// worker -> coordinator
	FrameAuth     FrameType = "auth"
	FrameBlock    FrameType = "block"
	FrameComplete FrameType = "complete"
	FrameFailed   FrameType = "failed"
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type Challenge struct {
	Nonce     string `json:"nonce"`
	ServerKey string `json:"server_key"`
	ServerSig string `json:"server_sig"`
}

type Auth struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// JobAccount carries what a worker needs to decrypt notes for an account.
type JobAccount struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	InVK    string `json:"in_vk"`
	OutVK   string `json:"out_vk"`
	VK      string `json:"vk"`
	Head    int64  `json:"head"`
	Hash    string `json:"hash"`
}

type JobRange struct {
	From int64 `json:"from_sequence"`
	To   int64 `json:"to_sequence"`
}

type JobAssignment struct {
	JobID   string     `json:"job_id"`
	Account JobAccount `json:"account"`
	Job     JobRange   `json:"job"`
}

type Cancel struct {
	JobID string `json:"job_id"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

type Complete struct {
	JobID string `json:"job_id"`
}

type Failed struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// NewFrame encodes body under the given type.
func NewFrame(t FrameType, body any) (Frame, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return Frame{Type: t, Data: raw}, nil
}

// Decode unpacks the frame body into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return errs.Invalidf("%s frame without data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return errs.New(errs.KindInvalid, fmt.Sprintf("decode %s frame", f.Type), err)
	}
	return nil
}

// AssignmentFor builds the job frame body.
func AssignmentFor(job *scan.Job) JobAssignment {
	out := JobAssignment{
		JobID: job.ID,
		Job:   JobRange{From: job.From, To: job.To},
	}
	if acct := job.Account; acct != nil {
		out.Account = accountFor(acct)
	} else {
		out.Account.Address = job.Address
	}
	return out
}

func accountFor(acct *ledger.Account) JobAccount {
	return JobAccount{
		Address: acct.Address,
		Name:    acct.Name,
		InVK:    acct.InVK,
		OutVK:   acct.OutVK,
		VK:      acct.VK,
		Head:    acct.Head,
		Hash:    acct.Hash,
	}
}
