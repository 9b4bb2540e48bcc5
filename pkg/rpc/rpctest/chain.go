// Package rpctest provides an in-memory chain that implements rpc.Node.
package rpctest

import (
	"context"
	"fmt"
	"sync"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/rpc"
)

// Chain is a linear chain from sequence 1 whose suffix can be replaced to
// simulate reorganizations.
type Chain struct {
	mu      sync.Mutex
	blocks  []rpc.Block // blocks[i].Sequence == i+1
	down    bool
	calls   int
	genesis string
}

var _ rpc.Node = (*Chain)(nil)

// Hash is the fixture hash of sequence on fork.
func Hash(fork string, sequence int64) string {
	if fork == "" {
		return fmt.Sprintf("h%d", sequence)
	}
	return fmt.Sprintf("%s%d", fork, sequence)
}

// NewChain builds blocks 1..height with hashes "h<seq>".
func NewChain(height int64) *Chain {
	c := &Chain{genesis: Hash("", 1)}
	c.Extend("", height)
	return c
}

// Extend appends blocks up to height with hashes from fork.
func (c *Chain) Extend(fork string, height int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for seq := int64(len(c.blocks)) + 1; seq <= height; seq++ {
		c.blocks = append(c.blocks, rpc.Block{
			Sequence:          seq,
			Hash:              Hash(fork, seq),
			PreviousBlockHash: c.hashAt(seq - 1),
		})
	}
}

// Reorg replaces every block from sequence on with blocks from fork up to height.
func (c *Chain) Reorg(fork string, from, height int64) {
	c.mu.Lock()
	c.blocks = c.blocks[:from-1]
	c.mu.Unlock()
	c.Extend(fork, height)
}

// SetDown makes every call fail with Unavailable.
func (c *Chain) SetDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

// Calls returns the number of node calls served.
func (c *Chain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Block returns the block at sequence; it panics outside the chain.
func (c *Chain) Block(sequence int64) rpc.Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[sequence-1]
}

func (c *Chain) hashAt(seq int64) string {
	if seq < 1 || seq > int64(len(c.blocks)) {
		return ""
	}
	return c.blocks[seq-1].Hash
}

func (c *Chain) LatestBlock(_ context.Context) (*rpc.ChainInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.down {
		return nil, errs.Unavailable("latest block", fmt.Errorf("node down"))
	}
	tip := c.blocks[len(c.blocks)-1]
	return &rpc.ChainInfo{
		Latest:  rpc.BlockIdentifier{Index: rpc.Sequence(tip.Sequence), Hash: tip.Hash},
		Genesis: rpc.BlockIdentifier{Index: 1, Hash: c.genesis},
	}, nil
}

func (c *Chain) BlockAt(_ context.Context, sequence int64) (*rpc.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.down {
		return nil, errs.Unavailable("block at", fmt.Errorf("node down"))
	}
	if sequence < 1 || sequence > int64(len(c.blocks)) {
		return nil, errs.NotFoundf("block at %d not found", sequence)
	}
	b := c.blocks[sequence-1]
	return &b, nil
}
