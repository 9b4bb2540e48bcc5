package rpc

import (
	"bytes"
	"fmt"
	"strconv"
)

// Sequence is a block sequence that the node may encode as a number or a string.
type Sequence int64

func (s *Sequence) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence %q: %w", b, err)
	}
	*s = Sequence(n)
	return nil
}

// BlockIdentifier names a block by sequence and hash.
type BlockIdentifier struct {
	Index Sequence `json:"index"`
	Hash  string   `json:"hash"`
}

// Block is the canonical block at a sequence.
type Block struct {
	Sequence          int64  `json:"sequence"`
	Hash              string `json:"hash"`
	PreviousBlockHash string `json:"previous_block_hash"`
}

// ChainInfo is the node's view of the chain.
type ChainInfo struct {
	Latest  BlockIdentifier `json:"latest"`
	Genesis BlockIdentifier `json:"genesis"`
}

type envelope[T any] struct {
	Status int `json:"status"`
	Data   T   `json:"data"`
}

type chainInfoResponse struct {
	CurrentBlockIdentifier BlockIdentifier `json:"currentBlockIdentifier"`
	GenesisBlockIdentifier BlockIdentifier `json:"genesisBlockIdentifier"`
	OldestBlockIdentifier  BlockIdentifier `json:"oldestBlockIdentifier"`
}

type getBlockRequest struct {
	Sequence int64 `json:"sequence"`
}

type getBlockResponse struct {
	Block struct {
		Hash              string   `json:"hash"`
		Sequence          Sequence `json:"sequence"`
		PreviousBlockHash string   `json:"previousBlockHash"`
	} `json:"block"`
}
