package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
)

// Node is the read-only view of the chain used by the scan engine. It never
// retries; callers apply their own backoff.
type Node interface {
	// LatestBlock returns the current head and the genesis identifiers.
	LatestBlock(ctx context.Context) (*ChainInfo, error)
	// BlockAt returns the canonical block at sequence, NotFound when the node
	// does not have it.
	BlockAt(ctx context.Context, sequence int64) (*Block, error)
}

// NodeClient talks to the node's HTTP RPC.
type NodeClient struct {
	http *gateway
}

var _ Node = (*NodeClient)(nil)

func NewNodeClient(o Opts) *NodeClient {
	return &NodeClient{http: newGateway(o)}
}

func (c *NodeClient) LatestBlock(ctx context.Context) (*ChainInfo, error) {
	var resp envelope[chainInfoResponse]
	if err := c.http.post(ctx, chainInfoPath, struct{}{}, &resp); err != nil {
		return nil, classify("latest block", err)
	}
	return &ChainInfo{
		Latest:  resp.Data.CurrentBlockIdentifier,
		Genesis: resp.Data.GenesisBlockIdentifier,
	}, nil
}

func (c *NodeClient) BlockAt(ctx context.Context, sequence int64) (*Block, error) {
	var resp envelope[getBlockResponse]
	err := c.http.post(ctx, getBlockPath, getBlockRequest{Sequence: sequence}, &resp)
	if err != nil {
		return nil, classify(fmt.Sprintf("block at %d", sequence), err)
	}
	b := resp.Data.Block
	if b.Hash == "" {
		return nil, errs.NotFoundf("block at %d not found", sequence)
	}
	return &Block{
		Sequence:          int64(b.Sequence),
		Hash:              b.Hash,
		PreviousBlockHash: b.PreviousBlockHash,
	}, nil
}

func classify(op string, err error) error {
	var se *StatusError
	switch {
	case errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusBadRequest):
		return errs.New(errs.KindNotFound, op, err)
	case errors.As(err, &se) && se.Code < 500:
		return errs.New(errs.KindInvalid, op, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return errs.Unavailable(op, err)
	}
}

// CheckGenesis aborts with Fatal when expected is set and the node serves another network.
func CheckGenesis(ctx context.Context, node Node, expected string, logger *zap.Logger) (*ChainInfo, error) {
	info, err := node.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("Node chain info",
		zap.String("genesis_hash", info.Genesis.Hash),
		zap.Int64("latest_sequence", int64(info.Latest.Index)),
		zap.String("latest_hash", info.Latest.Hash))

	if expected != "" && expected != info.Genesis.Hash {
		return nil, errs.Fatalf("genesis hash mismatch: node serves %s, expected %s", info.Genesis.Hash, expected)
	}
	return info, nil
}
