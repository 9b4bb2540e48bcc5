package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/app/server/controller/types"
	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/events"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
)

// HandleImport registers an account. The origin block is checked against the
// node, or taken from the node's head when the client did not send one.
func (c *Controller) HandleImport(w http.ResponseWriter, r *http.Request) {
	var in types.ImportAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "bad json")
		return
	}
	if msg := in.Validate(); msg != "" {
		badRequest(w, msg)
		return
	}
	ctx := r.Context()

	var origin types.BlockRef
	if in.CreatedAt != nil {
		block, err := c.App.Node.BlockAt(ctx, in.CreatedAt.Sequence)
		if errs.IsNotFound(err) {
			badRequest(w, "created_at is beyond the node's chain")
			return
		}
		if err != nil {
			c.writeError(w, "import", err)
			return
		}
		if block.Hash != in.CreatedAt.Hash {
			badRequest(w, "created_at hash is not on the canonical chain")
			return
		}
		origin = *in.CreatedAt
	} else {
		info, err := c.App.Node.LatestBlock(ctx)
		if err != nil {
			c.writeError(w, "import", err)
			return
		}
		origin = types.BlockRef{Sequence: int64(info.Latest.Index), Hash: info.Latest.Hash}
	}

	createHead, createHash := origin.Sequence, origin.Hash
	acct := &ledger.Account{
		Address:    in.PublicAddress,
		InVK:       in.IncomingViewKey,
		OutVK:      in.OutgoingViewKey,
		VK:         in.ViewKey,
		Head:       origin.Sequence,
		Hash:       origin.Hash,
		CreateHead: &createHead,
		CreateHash: &createHash,
		NeedScan:   true,
	}
	name, err := c.App.Ledger.Save(ctx, acct, c.App.Config.OriginTag)
	if err != nil {
		c.writeError(w, "import", err)
		return
	}
	c.App.Logger.Info("Account imported",
		zap.String("address", acct.Address),
		zap.Int64("head", origin.Sequence))
	c.App.Notifier.Publish(ctx, events.Event{
		Type:     events.AccountImported,
		Address:  acct.Address,
		Sequence: origin.Sequence,
		Hash:     origin.Hash,
		Head:     origin.Sequence,
	})

	_ = json.NewEncoder(w).Encode(types.ImportAccountResponse{
		Name:      name,
		Address:   acct.Address,
		CreatedAt: origin,
	})
}

// HandleRemove deletes an account and its unstable rows.
func (c *Controller) HandleRemove(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeAddress(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := c.App.Ledger.Remove(ctx, in.Address); err != nil {
		c.writeError(w, "remove", err)
		return
	}
	c.App.Notifier.Publish(ctx, events.Event{Type: events.AccountRemoved, Address: in.Address})
	_ = json.NewEncoder(w).Encode(map[string]bool{"removed": true})
}

// HandleAccountStatus reports the checkpoint together with the node head.
func (c *Controller) HandleAccountStatus(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeAddress(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	acct, err := c.App.Ledger.Get(ctx, in.Address)
	if err != nil {
		c.writeError(w, "account status", err)
		return
	}
	out := types.StatusOf(acct)
	if info, err := c.App.Node.LatestBlock(ctx); err == nil {
		out.Latest = &types.BlockRef{Sequence: int64(info.Latest.Index), Hash: info.Latest.Hash}
	} else {
		c.App.Logger.Debug("Node head unavailable for account status", zap.Error(err))
	}
	_ = json.NewEncoder(w).Encode(out)
}

func (c *Controller) HandleLatestBlock(w http.ResponseWriter, r *http.Request) {
	info, err := c.App.Node.LatestBlock(r.Context())
	if err != nil {
		c.writeError(w, "latest block", err)
		return
	}
	_ = json.NewEncoder(w).Encode(types.LatestBlockResponse{
		CurrentBlockIdentifier: types.BlockRef{Sequence: int64(info.Latest.Index), Hash: info.Latest.Hash},
		GenesisBlockIdentifier: types.BlockRef{Sequence: int64(info.Genesis.Index), Hash: info.Genesis.Hash},
	})
}

// HandleRescan moves the checkpoint back to the account's origin.
func (c *Controller) HandleRescan(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeAddress(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	acct, err := c.App.Ledger.Get(ctx, in.Address)
	if err != nil {
		c.writeError(w, "rescan", err)
		return
	}
	head, hash := acct.CreatePair()
	if err := c.App.Ledger.ResetHead(ctx, acct.Address, head, hash, true); err != nil {
		c.writeError(w, "rescan", err)
		return
	}
	c.App.Logger.Info("Account rescan queued",
		zap.String("address", acct.Address),
		zap.Int64("from", acct.Head),
		zap.Int64("to", head))
	c.App.Notifier.Publish(ctx, events.Event{
		Type:     events.AccountRescanQueued,
		Address:  acct.Address,
		Sequence: head,
		Hash:     hash,
		Head:     head,
	})

	acct.Head, acct.Hash, acct.NeedScan = head, hash, true
	_ = json.NewEncoder(w).Encode(types.StatusOf(acct))
}

// HandleUpdateScan sets or clears the need_scan flag.
func (c *Controller) HandleUpdateScan(w http.ResponseWriter, r *http.Request) {
	var in types.UpdateScanRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "bad json")
		return
	}
	if in.Address == "" {
		badRequest(w, "address is required")
		return
	}
	ctx := r.Context()
	if !in.NeedScan {
		// clearing the flag is only allowed on a canonical checkpoint
		if err := c.verifyCheckpoint(r, in.Address); err != nil {
			c.writeError(w, "update scan", err)
			return
		}
	}
	if err := c.App.Ledger.SetNeedScan(ctx, in.Address, in.NeedScan); err != nil {
		c.writeError(w, "update scan", err)
		return
	}
	if in.NeedScan {
		c.App.Notifier.Publish(ctx, events.Event{
			Type:    events.AccountRescanQueued,
			Address: in.Address,
			Reason:  "need_scan",
		})
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"need_scan": in.NeedScan})
}

func (c *Controller) verifyCheckpoint(r *http.Request, address string) error {
	acct, err := c.App.Ledger.Get(r.Context(), address)
	if err != nil {
		return err
	}
	block, err := c.App.Node.BlockAt(r.Context(), acct.Head)
	if err != nil {
		return err
	}
	if block.Hash != acct.Hash {
		return errs.Conflictf("checkpoint %d/%s of %s is not canonical", acct.Head, acct.Hash, address)
	}
	return nil
}

func decodeAddress(w http.ResponseWriter, r *http.Request) (types.AddressRequest, bool) {
	var in types.AddressRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "bad json")
		return in, false
	}
	if in.Address == "" {
		badRequest(w, "address is required")
		return in, false
	}
	return in, true
}
