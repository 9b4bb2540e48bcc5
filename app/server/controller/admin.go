package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/iron-fish/oreowallet-mono/app/server/controller/types"
	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/events"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// HandleAdminLogin handles admin login
func (c *Controller) HandleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var in types.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "bad json")
		return
	}
	if len(c.AuthHash) == 0 || in.Username != c.AuthUser {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(c.AuthHash, []byte(in.Password)); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
		return
	}
	c.IssueSession(w, in.Username)
	_ = json.NewEncoder(w).Encode(map[string]string{"ok": "1"})
}

// HandleAdminLogout handles admin logout
func (c *Controller) HandleAdminLogout(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleUpdateHead overwrites an account checkpoint and drops its unstable rows.
func (c *Controller) HandleUpdateHead(w http.ResponseWriter, r *http.Request) {
	var in types.UpdateHeadRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "bad json")
		return
	}
	if in.Address == "" || in.Hash == "" || in.Head < 0 {
		badRequest(w, "address, head and hash are required")
		return
	}
	needScan := in.NeedScan == nil || *in.NeedScan
	ctx := r.Context()
	if !needScan {
		block, err := c.App.Node.BlockAt(ctx, in.Head)
		if err != nil {
			c.writeError(w, "update head", err)
			return
		}
		if block.Hash != in.Hash {
			c.writeError(w, "update head", errs.Conflictf("%d/%s is not canonical, need_scan must stay set", in.Head, in.Hash))
			return
		}
	}
	if err := c.App.Ledger.ResetHead(ctx, in.Address, in.Head, in.Hash, needScan); err != nil {
		c.writeError(w, "update head", err)
		return
	}
	c.App.Logger.Info("Account head overwritten",
		zap.String("address", in.Address),
		zap.Int64("head", in.Head),
		zap.Bool("need_scan", needScan))
	if needScan {
		c.App.Notifier.Publish(ctx, events.Event{
			Type:     events.AccountRescanQueued,
			Address:  in.Address,
			Sequence: in.Head,
			Hash:     in.Hash,
			Head:     in.Head,
			Reason:   "update_head",
		})
	}
	c.writeAccount(w, r, in.Address)
}

// HandleUpdateCreated rewrites the account's origin.
func (c *Controller) HandleUpdateCreated(w http.ResponseWriter, r *http.Request) {
	var in types.UpdateCreatedRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "bad json")
		return
	}
	if in.Address == "" || in.Hash == "" || in.Head < 0 {
		badRequest(w, "address, head and hash are required")
		return
	}
	if err := c.App.Ledger.SetCreated(r.Context(), in.Address, in.Head, in.Hash); err != nil {
		c.writeError(w, "update created", err)
		return
	}
	c.writeAccount(w, r, in.Address)
}

// HandleOldest lists the accounts furthest behind.
func (c *Controller) HandleOldest(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	accts, err := c.App.Ledger.Oldest(r.Context(), limit)
	if err != nil {
		c.writeError(w, "oldest accounts", err)
		return
	}
	writeStatuses(w, accts)
}

// HandleAccountsFrom lists accounts whose head is at least minHead.
func (c *Controller) HandleAccountsFrom(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("minHead")
	minHead, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || minHead < 0 {
		badRequest(w, "minHead must be a non-negative integer")
		return
	}
	accts, err := c.App.Ledger.WithHeadAtLeast(r.Context(), minHead)
	if err != nil {
		c.writeError(w, "accounts from head", err)
		return
	}
	writeStatuses(w, accts)
}

// HandleEvents returns the audited scan history of an account.
func (c *Controller) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if c.App.EventLog == nil {
		c.writeError(w, "events", errs.Unavailable("scan history", errs.NotFoundf("clickhouse is not configured")))
		return
	}
	address := r.URL.Query().Get("address")
	if address == "" {
		badRequest(w, "address is required")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	evs, err := c.App.EventLog.RecentEvents(r.Context(), address, limit)
	if err != nil {
		c.writeError(w, "events", err)
		return
	}
	if evs == nil {
		evs = make([]events.Event, 0)
	}
	_ = json.NewEncoder(w).Encode(evs)
}

func (c *Controller) writeAccount(w http.ResponseWriter, r *http.Request, address string) {
	acct, err := c.App.Ledger.Get(r.Context(), address)
	if err != nil {
		c.writeError(w, "get account", err)
		return
	}
	_ = json.NewEncoder(w).Encode(types.StatusOf(acct))
}

func writeStatuses(w http.ResponseWriter, accts []*ledger.Account) {
	out := make([]types.AccountStatus, 0, len(accts))
	for _, a := range accts {
		out = append(out, types.StatusOf(a))
	}
	_ = json.NewEncoder(w).Encode(out)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errs.Invalidf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}
