// Package ledger is the Redis implementation of ledger.Store.
//
// Layout:
//
//	oreo:account:<address>   hash of account fields
//	oreo:unstable:<address>  hash sequence -> {hash, parent_hash}
//	oreo:heads               zset address scored by head
//	oreo:need_scan           zset of flagged addresses scored by head
//	oreo:genesis             genesis hash of the network the ledger tracks
//
// Members with equal scores sort lexicographically, which gives the
// (head, address) ordering for free.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
)

const (
	keyPrefix   = "oreo:"
	headsKey    = keyPrefix + "heads"
	needScanKey = keyPrefix + "need_scan"
	genesisKey  = keyPrefix + "genesis"
)

func accountKey(address string) string  { return keyPrefix + "account:" + address }
func unstableKey(address string) string { return keyPrefix + "unstable:" + address }

const (
	fAddress    = "address"
	fName       = "name"
	fInVK       = "in_vk"
	fOutVK      = "out_vk"
	fVK         = "vk"
	fHead       = "head"
	fHash       = "hash"
	fCreateHead = "create_head"
	fCreateHash = "create_hash"
	fNeedScan   = "need_scan"
	fOriginTag  = "origin_tag"
	fCreatedAt  = "created_at"
	fUpdatedAt  = "updated_at"
)

func encodeAccount(a *ledger.Account) map[string]any {
	m := map[string]any{
		fAddress:   a.Address,
		fName:      a.Name,
		fInVK:      a.InVK,
		fOutVK:     a.OutVK,
		fVK:        a.VK,
		fHead:      a.Head,
		fHash:      a.Hash,
		fNeedScan:  boolField(a.NeedScan),
		fOriginTag: a.OriginTag,
		fCreatedAt: a.CreatedAt.Format(time.RFC3339Nano),
		fUpdatedAt: a.UpdatedAt.Format(time.RFC3339Nano),
	}
	if a.CreateHead != nil && a.CreateHash != nil {
		m[fCreateHead] = *a.CreateHead
		m[fCreateHash] = *a.CreateHash
	}
	return m
}

func decodeAccount(m map[string]string) (*ledger.Account, error) {
	a := &ledger.Account{
		Address:  m[fAddress],
		Name:     m[fName],
		InVK:     m[fInVK],
		OutVK:    m[fOutVK],
		VK:       m[fVK],
		Hash:     m[fHash],
		NeedScan: m[fNeedScan] == "1",
	}
	var err error
	if a.Head, err = strconv.ParseInt(m[fHead], 10, 64); err != nil {
		return nil, errs.New(errs.KindInvalid, "corrupt head for "+a.Address, err)
	}
	if tag, err := strconv.ParseUint(m[fOriginTag], 10, 32); err == nil {
		a.OriginTag = uint32(tag)
	}
	if v, ok := m[fCreateHead]; ok {
		h, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, errs.New(errs.KindInvalid, "corrupt create_head for "+a.Address, err)
		}
		hash := m[fCreateHash]
		a.CreateHead, a.CreateHash = &h, &hash
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, m[fCreatedAt])
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m[fUpdatedAt])
	return a, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

type unstableValue struct {
	Hash       string `json:"hash"`
	ParentHash string `json:"parent_hash"`
}

func encodeUnstable(row *ledger.UnstableAccount) (string, error) {
	b, err := json.Marshal(unstableValue{Hash: row.Hash, ParentHash: row.ParentHash})
	return string(b), err
}

func decodeUnstable(address, field, value string) (*ledger.UnstableAccount, error) {
	seq, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return nil, errs.New(errs.KindInvalid, "corrupt unstable sequence for "+address, err)
	}
	var v unstableValue
	if err := json.Unmarshal([]byte(value), &v); err != nil {
		return nil, errs.New(errs.KindInvalid, "corrupt unstable row for "+address, err)
	}
	return &ledger.UnstableAccount{Address: address, Sequence: seq, Hash: v.Hash, ParentHash: v.ParentHash}, nil
}

func seqField(seq int64) string { return strconv.FormatInt(seq, 10) }

// classify maps client errors onto the errs taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errs.KindOf(err) != errs.KindUnknown:
		return err
	case errors.Is(err, redis.Nil):
		return errs.New(errs.KindNotFound, op+": not found", err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return errs.Unavailable(op, err)
	}
}
