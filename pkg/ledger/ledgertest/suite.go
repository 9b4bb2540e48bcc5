// Package ledgertest holds the behavioural contract every ledger.Store backend
// must satisfy. Backends run it from their own tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) ledger.Store

// NewAccount builds a fixture account at (head, "h<head>").
func NewAccount(address string, head int64) *ledger.Account {
	hash := fmt.Sprintf("h%d", head)
	ch, cs := head, hash
	return &ledger.Account{
		Address:    address,
		InVK:       "in-" + address,
		OutVK:      "out-" + address,
		VK:         "vk-" + address,
		Head:       head,
		Hash:       hash,
		CreateHead: &ch,
		CreateHash: &cs,
	}
}

// Run executes the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s ledger.Store)
	}{
		{"SaveAndGet", testSaveAndGet},
		{"SaveConflict", testSaveConflict},
		{"GetMissing", testGetMissing},
		{"RemoveCascades", testRemoveCascades},
		{"AdvanceHead", testAdvanceHead},
		{"AdvanceHeadRejectsRegression", testAdvanceHeadRejectsRegression},
		{"AdvanceHeadFromStaleCheckpoint", testAdvanceHeadFromStaleCheckpoint},
		{"ResetHead", testResetHead},
		{"SetCreatedAndNeedScan", testSetCreatedAndNeedScan},
		{"OldestOrdering", testOldestOrdering},
		{"NeedingScan", testNeedingScan},
		{"WithHeadAtLeast", testWithHeadAtLeast},
		{"UnstableRows", testUnstableRows},
		{"ConcurrentAdvance", testConcurrentAdvance},
		{"PinGenesis", testPinGenesis},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func testSaveAndGet(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	acct := NewAccount("0123456789abcdef", 7)
	acct.NeedScan = true

	name, err := s.Save(ctx, acct, 3)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", name)

	got, err := s.Get(ctx, acct.Address)
	require.NoError(t, err)
	assert.Equal(t, name, got.Name)
	assert.Equal(t, int64(7), got.Head)
	assert.Equal(t, "h7", got.Hash)
	assert.Equal(t, "vk-0123456789abcdef", got.VK)
	assert.True(t, got.NeedScan)
	assert.Equal(t, uint32(3), got.OriginTag)
	require.NotNil(t, got.CreateHead)
	assert.Equal(t, int64(7), *got.CreateHead)
}

func testSaveConflict(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Save(ctx, NewAccount("a", 1), 0)
	require.NoError(t, err)
	_, err = s.Save(ctx, NewAccount("a", 2), 0)
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func testGetMissing(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, s.Remove(ctx, "nope"), errs.ErrNotFound)
	assert.ErrorIs(t, s.AdvanceHead(ctx, "nope", ledger.Checkpoint{Head: 0, Hash: "h0"}, 1, "h1"), errs.ErrNotFound)
	assert.ErrorIs(t, s.SetNeedScan(ctx, "nope", true), errs.ErrNotFound)
}

func testRemoveCascades(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Save(ctx, NewAccount("a", 10), 0)
	require.NoError(t, err)
	for seq := int64(12); seq <= 14; seq++ {
		require.NoError(t, s.PutUnstable(ctx, &ledger.UnstableAccount{Address: "a", Sequence: seq, Hash: fmt.Sprintf("h%d", seq)}))
	}

	require.NoError(t, s.Remove(ctx, "a"))
	rows, err := s.ListUnstable(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.ErrorIs(t, s.Remove(ctx, "a"), errs.ErrNotFound)

	// a re-imported account starts without stale rows
	_, err = s.Save(ctx, NewAccount("a", 10), 0)
	require.NoError(t, err)
	_, err = s.GetUnstable(ctx, "a", 12)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func testAdvanceHead(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Save(ctx, NewAccount("a", 10), 0)
	require.NoError(t, err)
	for seq := int64(11); seq <= 13; seq++ {
		require.NoError(t, s.PutUnstable(ctx, &ledger.UnstableAccount{Address: "a", Sequence: seq, Hash: fmt.Sprintf("h%d", seq)}))
	}

	require.NoError(t, s.AdvanceHead(ctx, "a", at(10), 12, "h12"))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.Head)
	assert.Equal(t, "h12", got.Hash)

	rows, err := s.ListUnstable(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(13), rows[0].Sequence)

	// same checkpoint again is a no-op
	require.NoError(t, s.AdvanceHead(ctx, "a", at(10), 12, "h12"))
}

func testAdvanceHeadRejectsRegression(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Save(ctx, NewAccount("a", 10), 0)
	require.NoError(t, err)

	assert.ErrorIs(t, s.AdvanceHead(ctx, "a", at(10), 9, "h9"), errs.ErrInvalid)
	assert.ErrorIs(t, s.AdvanceHead(ctx, "a", at(10), 10, "other"), errs.ErrInvalid)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Head)
	assert.Equal(t, "h10", got.Hash)
}

func testResetHead(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Save(ctx, NewAccount("a", 10), 0)
	require.NoError(t, err)
	require.NoError(t, s.PutUnstable(ctx, &ledger.UnstableAccount{Address: "a", Sequence: 12, Hash: "h12"}))

	require.NoError(t, s.ResetHead(ctx, "a", 4, "h4", true))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4), got.Head)
	assert.Equal(t, "h4", got.Hash)
	assert.True(t, got.NeedScan)

	rows, err := s.ListUnstable(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.ErrorIs(t, s.ResetHead(ctx, "nope", 1, "h1", true), errs.ErrNotFound)
}

func testSetCreatedAndNeedScan(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Save(ctx, NewAccount("a", 10), 0)
	require.NoError(t, err)

	require.NoError(t, s.SetCreated(ctx, "a", 3, "h3"))
	require.NoError(t, s.SetNeedScan(ctx, "a", true))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	head, hash := got.CreatePair()
	assert.Equal(t, int64(3), head)
	assert.Equal(t, "h3", hash)
	assert.True(t, got.NeedScan)

	require.NoError(t, s.SetNeedScan(ctx, "a", false))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.NeedScan)
}

func testOldestOrdering(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	heads := map[string]int64{"d": 5, "c": 2, "a": 9, "b": 2}
	for addr, head := range heads {
		_, err := s.Save(ctx, NewAccount(addr, head), 0)
		require.NoError(t, err)
	}

	got, err := s.Oldest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d", "a"}, addresses(got))

	got, err = s.Oldest(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, addresses(got))
}

func testNeedingScan(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for addr, head := range map[string]int64{"a": 3, "b": 1, "c": 2} {
		_, err := s.Save(ctx, NewAccount(addr, head), 0)
		require.NoError(t, err)
	}
	require.NoError(t, s.SetNeedScan(ctx, "a", true))
	require.NoError(t, s.SetNeedScan(ctx, "c", true))

	got, err := s.NeedingScan(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, addresses(got))

	require.NoError(t, s.SetNeedScan(ctx, "c", false))
	got, err = s.NeedingScan(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, addresses(got))
}

func testWithHeadAtLeast(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	for addr, head := range map[string]int64{"a": 3, "b": 8, "c": 5, "d": 5} {
		_, err := s.Save(ctx, NewAccount(addr, head), 0)
		require.NoError(t, err)
	}

	got, err := s.WithHeadAtLeast(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d", "b"}, addresses(got))

	got, err = s.WithHeadAtLeast(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testUnstableRows(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	err := s.PutUnstable(ctx, &ledger.UnstableAccount{Address: "ghost", Sequence: 1, Hash: "x"})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = s.Save(ctx, NewAccount("a", 10), 0)
	require.NoError(t, err)

	require.NoError(t, s.PutUnstable(ctx, &ledger.UnstableAccount{Address: "a", Sequence: 13, Hash: "x13", ParentHash: "x12"}))
	require.NoError(t, s.PutUnstable(ctx, &ledger.UnstableAccount{Address: "a", Sequence: 11, Hash: "x11", ParentHash: "h10"}))
	// upsert
	require.NoError(t, s.PutUnstable(ctx, &ledger.UnstableAccount{Address: "a", Sequence: 11, Hash: "y11", ParentHash: "h10"}))

	row, err := s.GetUnstable(ctx, "a", 11)
	require.NoError(t, err)
	assert.Equal(t, "y11", row.Hash)
	assert.Equal(t, "h10", row.ParentHash)

	rows, err := s.ListUnstable(ctx, "a")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(11), rows[0].Sequence)
	assert.Equal(t, int64(13), rows[1].Sequence)

	require.NoError(t, s.DeleteUnstable(ctx, "a", 11))
	_, err = s.GetUnstable(ctx, "a", 11)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, s.DeleteUnstable(ctx, "a", 11), errs.ErrNotFound)
}

func testAdvanceHeadFromStaleCheckpoint(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Save(ctx, NewAccount("a", 500), 0)
	require.NoError(t, err)

	// a rescan lands between the caller's read and its advance
	require.NoError(t, s.ResetHead(ctx, "a", 100, "h100", true))
	assert.ErrorIs(t, s.AdvanceHead(ctx, "a", at(500), 501, "h501"), errs.ErrConflict)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Head)
	assert.Equal(t, "h100", got.Hash)
	assert.True(t, got.NeedScan)

	require.NoError(t, s.AdvanceHead(ctx, "a", at(100), 101, "h101"))
}

func testConcurrentAdvance(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, err := s.Save(ctx, NewAccount("a", 0), 0)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []int64
	)
	for i := int64(1); i <= 20; i++ {
		wg.Add(1)
		go func(head int64) {
			defer wg.Done()
			err := s.AdvanceHead(ctx, "a", at(0), head, fmt.Sprintf("h%d", head))
			if err == nil {
				mu.Lock()
				wins = append(wins, head)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, errs.ErrConflict)
		}(i)
	}
	wg.Wait()

	// every writer started from h0, so exactly one may win
	require.Len(t, wins, 1)
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, wins[0], got.Head)
	assert.Equal(t, fmt.Sprintf("h%d", wins[0]), got.Hash)
}

func testPinGenesis(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, ledger.VerifyGenesis(ctx, s, "g0"))
	require.NoError(t, ledger.VerifyGenesis(ctx, s, "g0"))

	pinned, err := s.PinGenesis(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "g0", pinned)
	assert.ErrorIs(t, ledger.VerifyGenesis(ctx, s, "other"), errs.ErrFatal)
}

// at is the fixture checkpoint NewAccount installs for head.
func at(head int64) ledger.Checkpoint {
	return ledger.Checkpoint{Head: head, Hash: fmt.Sprintf("h%d", head)}
}

func addresses(accts []*ledger.Account) []string {
	out := make([]string, 0, len(accts))
	for _, a := range accts {
		out = append(out, a.Address)
	}
	return out
}
