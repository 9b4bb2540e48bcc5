package types

import (
	"strings"

	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
)

// BlockRef names a block by sequence and hash.
type BlockRef struct {
	Sequence int64  `json:"sequence"`
	Hash     string `json:"hash"`
}

// ImportAccountRequest registers an account for scanning. Without CreatedAt
// the account starts at the node's latest block.
type ImportAccountRequest struct {
	ViewKey         string    `json:"view_key"`
	IncomingViewKey string    `json:"incoming_view_key"`
	OutgoingViewKey string    `json:"outgoing_view_key"`
	PublicAddress   string    `json:"public_address"`
	CreatedAt       *BlockRef `json:"created_at,omitempty"`
}

// Validate checks the mandatory fields.
func (r *ImportAccountRequest) Validate() string {
	switch {
	case strings.TrimSpace(r.PublicAddress) == "":
		return "public_address is required"
	case r.ViewKey == "" || r.IncomingViewKey == "" || r.OutgoingViewKey == "":
		return "view_key, incoming_view_key and outgoing_view_key are required"
	case r.CreatedAt != nil && (r.CreatedAt.Sequence < 1 || r.CreatedAt.Hash == ""):
		return "created_at needs a positive sequence and a hash"
	}
	return ""
}

type ImportAccountResponse struct {
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	CreatedAt BlockRef `json:"created_at"`
}

// AddressRequest is the body of the single-account routes.
type AddressRequest struct {
	Address string `json:"address"`
}

type UpdateScanRequest struct {
	Address  string `json:"address"`
	NeedScan bool   `json:"need_scan"`
}

// AccountStatus is the scan state of an account as seen by clients.
type AccountStatus struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Head      BlockRef  `json:"head"`
	CreatedAt *BlockRef `json:"created_at,omitempty"`
	NeedScan  bool      `json:"need_scan"`
	// Latest is the node's head, omitted when the node cannot be reached.
	Latest *BlockRef `json:"latest,omitempty"`
}

// StatusOf builds the client view of acct.
func StatusOf(acct *ledger.Account) AccountStatus {
	out := AccountStatus{
		Address:  acct.Address,
		Name:     acct.Name,
		Head:     BlockRef{Sequence: acct.Head, Hash: acct.Hash},
		NeedScan: acct.NeedScan,
	}
	if acct.CreateHead != nil && acct.CreateHash != nil {
		out.CreatedAt = &BlockRef{Sequence: *acct.CreateHead, Hash: *acct.CreateHash}
	}
	return out
}

type LatestBlockResponse struct {
	CurrentBlockIdentifier BlockRef `json:"current_block_identifier"`
	GenesisBlockIdentifier BlockRef `json:"genesis_block_identifier"`
}
