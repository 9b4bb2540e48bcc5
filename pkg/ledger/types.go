// Package ledger defines the account scan-state model and the store contract
// every backend implements.
package ledger

import (
	"time"

	"github.com/iron-fish/oreowallet-mono/pkg/utils"
)

// NameLength is how many leading characters of the address make up the account name.
const NameLength = 10

// Account is the durable scan state of one wallet account.
type Account struct {
	Address    string    `json:"address"`
	Name       string    `json:"name"`
	InVK       string    `json:"in_vk"`
	OutVK      string    `json:"out_vk"`
	VK         string    `json:"vk"`
	Head       int64     `json:"head"`
	Hash       string    `json:"hash"`
	CreateHead *int64    `json:"create_head,omitempty"`
	CreateHash *string   `json:"create_hash,omitempty"`
	NeedScan   bool      `json:"need_scan"`
	OriginTag  uint32    `json:"origin_tag"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Checkpoint is a stable (head, hash) pair.
type Checkpoint struct {
	Head int64
	Hash string
}

// Checkpoint returns the account's current stable pair.
func (a *Account) Checkpoint() Checkpoint {
	return Checkpoint{Head: a.Head, Hash: a.Hash}
}

// UnstableAccount is a worker observation above the stable head that has not
// been promoted yet.
type UnstableAccount struct {
	Address    string `json:"address"`
	Sequence   int64  `json:"sequence"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
}

// AddressToName derives the display name of an account.
func AddressToName(address string) string {
	return utils.Prefix(address, NameLength)
}

// CreatePair returns the origin bound, falling back to the current head when unset.
func (a *Account) CreatePair() (int64, string) {
	if a.CreateHead == nil || a.CreateHash == nil {
		return a.Head, a.Hash
	}
	return *a.CreateHead, *a.CreateHash
}

// FloorHead is the lowest sequence a rewind may reach.
func (a *Account) FloorHead() int64 {
	if a.CreateHead == nil {
		return 0
	}
	return *a.CreateHead
}

// Clone returns a deep copy, so stores never hand out shared pointers.
func (a *Account) Clone() *Account {
	c := *a
	if a.CreateHead != nil {
		h := *a.CreateHead
		c.CreateHead = &h
	}
	if a.CreateHash != nil {
		h := *a.CreateHash
		c.CreateHash = &h
	}
	return &c
}
