package ledger

import (
	"context"
	"sort"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
)

// CheckAdvance validates an AdvanceHead request against the current checkpoint.
// Every backend runs it inside its own atomic section.
func CheckAdvance(cur *Account, from Checkpoint, head int64, hash string) error {
	switch {
	case head == cur.Head && hash == cur.Hash:
		return nil
	case cur.Checkpoint() != from:
		return errs.Conflictf("checkpoint of %s moved to %d, advance expected %d", cur.Address, cur.Head, from.Head)
	case head < cur.Head:
		return errs.Invalidf("head regression for %s: %d < %d", cur.Address, head, cur.Head)
	case head == cur.Head && hash != cur.Hash:
		return errs.Invalidf("hash mismatch for %s at %d", cur.Address, head)
	}
	return nil
}

// VerifyGenesis pins the node's genesis hash in the ledger on first start and
// fails with Fatal when a later start meets a node of another network.
func VerifyGenesis(ctx context.Context, store Store, hash string) error {
	pinned, err := store.PinGenesis(ctx, hash)
	if err != nil {
		return err
	}
	if pinned != hash {
		return errs.Fatalf("ledger belongs to genesis %s, node serves %s", pinned, hash)
	}
	return nil
}

// SortByHead orders accounts by head ascending, ties broken by address.
func SortByHead(accts []*Account) {
	sort.SliceStable(accts, func(i, j int) bool {
		if accts[i].Head != accts[j].Head {
			return accts[i].Head < accts[j].Head
		}
		return accts[i].Address < accts[j].Address
	})
}
