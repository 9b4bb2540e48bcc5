package scan_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/scan"
)

type busySet map[string]bool

func (b busySet) Held(address string) bool { return b[address] }
func (b busySet) Len() int { return len(b) }

func newScheduler(t *testing.T, f *fixture, span int64) *scan.Scheduler {
	t.Helper()
	s := scan.NewScheduler(f.store, f.chain, f.r, zaptest.NewLogger(t), scan.SchedulerConfig{
		MaxJobSpan:        span,
		VerifyParallelism: 2,
	})
	t.Cleanup(s.Stop)
	return s
}

func jobAddresses(jobs []*scan.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Address)
	}
	return out
}

func TestCandidatesOldestFirst(t *testing.T) {
	f := newFixture(t, 20, 0)
	for a, head := range map[string]int64{"d": 5, "c": 2, "a": 9, "b": 2} {
		f.save(t, a, head)
	}
	s := newScheduler(t, f, 0)

	plan, err := s.Candidates(f.ctx, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(20), plan.Latest)
	assert.Equal(t, []string{"b", "c", "d", "a"}, jobAddresses(plan.Jobs))

	plan, err = s.Candidates(f.ctx, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, jobAddresses(plan.Jobs))
}

func TestCandidatesNeedScanFirst(t *testing.T) {
	f := newFixture(t, 20, 0)
	f.save(t, "a", 9)
	f.save(t, "b", 2)
	require.NoError(t, f.store.SetNeedScan(f.ctx, "a", true))
	s := newScheduler(t, f, 0)

	plan, err := s.Candidates(f.ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, jobAddresses(plan.Jobs))

	plan, err = s.Candidates(f.ctx, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, jobAddresses(plan.Jobs), "no duplicates across the two reads")
}

func TestCandidatesSkipsBusyAccounts(t *testing.T) {
	f := newFixture(t, 20, 0)
	for a, head := range map[string]int64{"a": 1, "b": 2, "c": 3, "d": 4} {
		f.save(t, a, head)
	}
	s := newScheduler(t, f, 0)

	plan, err := s.Candidates(f.ctx, 2, busySet{"a": true, "b": true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, jobAddresses(plan.Jobs))
}

func TestCandidatesJobRange(t *testing.T) {
	f := newFixture(t, 20, 0)
	f.save(t, "a", 2)
	f.save(t, "b", 17)
	s := newScheduler(t, f, 5)

	plan, err := s.Candidates(f.ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, plan.Jobs, 2)

	a, b := plan.Jobs[0], plan.Jobs[1]
	assert.Equal(t, [3]int64{3, 7, 20}, [3]int64{a.From, a.To, a.Latest})
	assert.Equal(t, [3]int64{18, 20, 20}, [3]int64{b.From, b.To, b.Latest})
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.Covers(7))
	assert.False(t, a.Covers(8))
}

func TestCandidatesAtLatest(t *testing.T) {
	f := newFixture(t, 20, 0)
	f.save(t, "settled", 20)
	f.save(t, "flagged", 20)
	require.NoError(t, f.store.SetNeedScan(f.ctx, "flagged", true))
	s := newScheduler(t, f, 0)

	plan, err := s.Candidates(f.ctx, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, plan.Jobs)
	require.Len(t, plan.Verify, 1)
	assert.Equal(t, "flagged", plan.Verify[0].Address)
}

func TestCandidatesNodeDown(t *testing.T) {
	f := newFixture(t, 20, 0)
	f.save(t, "a", 2)
	f.chain.SetDown(true)
	s := newScheduler(t, f, 0)

	_, err := s.Candidates(f.ctx, 10, nil)
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
}

func TestVerifyCheckpoints(t *testing.T) {
	f := newFixture(t, 20, 0)
	for _, a := range []string{"a", "b", "c"} {
		f.save(t, a, 20)
		require.NoError(t, f.store.SetNeedScan(f.ctx, a, true))
	}
	s := newScheduler(t, f, 0)

	plan, err := s.Candidates(f.ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, plan.Verify, 3)

	var mu sync.Mutex
	held := map[string]bool{}
	claim := func(address string) (func(), bool) {
		mu.Lock()
		defer mu.Unlock()
		if address == "c" {
			return nil, false
		}
		held[address] = true
		return func() {
			mu.Lock()
			defer mu.Unlock()
			delete(held, address)
		}, true
	}
	s.VerifyCheckpoints(f.ctx, plan.Verify, plan.Latest, claim)

	assert.Empty(t, held, "every claim released")
	for a, want := range map[string]bool{"a": false, "b": false, "c": true} {
		acct, err := f.store.Get(f.ctx, a)
		require.NoError(t, err)
		assert.Equal(t, want, acct.NeedScan, a)
	}
}

func TestVerifyCheckpointsAfterStopClaimsNothing(t *testing.T) {
	f := newFixture(t, 20, 0)
	f.save(t, "a", 20)
	require.NoError(t, f.store.SetNeedScan(f.ctx, "a", true))
	s := newScheduler(t, f, 0)

	plan, err := s.Candidates(f.ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, plan.Verify, 1)

	s.Stop()
	var claims atomic.Int32
	s.VerifyCheckpoints(f.ctx, plan.Verify, plan.Latest, func(string) (func(), bool) {
		claims.Add(1)
		return func() { claims.Add(-1) }, true
	})
	assert.Zero(t, claims.Load(), "no lock left behind by tasks of a stopped pool")
}
