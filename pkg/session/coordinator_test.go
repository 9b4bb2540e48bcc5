package session

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/events"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger/ledgertest"
	"github.com/iron-fish/oreowallet-mono/pkg/rpc/rpctest"
	"github.com/iron-fish/oreowallet-mono/pkg/scan"
)

// pipeConn is an in-memory Conn; the test plays the worker on the other end.
type pipeConn struct {
	in   chan Frame
	out  chan Frame
	done chan struct{}
	once sync.Once
}

func newPipe() *pipeConn {
	return &pipeConn{
		in:   make(chan Frame, 32),
		out:  make(chan Frame, 64),
		done: make(chan struct{}),
	}
}

func (p *pipeConn) ReadJSON(v any) error {
	select {
	case f := <-p.in:
		*v.(*Frame) = f
		return nil
	case <-p.done:
		return io.EOF
	}
}

func (p *pipeConn) WriteJSON(v any) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.out <- v.(Frame):
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	ctx   context.Context
	store *ledger.MemoryStore
	chain *rpctest.Chain
	coord *Coordinator
	keys  *KeyPair
	clock *clock
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	return newEnvWith(t, cfg, func(m *ledger.MemoryStore) ledger.Store { return m })
}

// newEnvWith lets wrap put a decorator between the memory store and the engine.
func newEnvWith(t *testing.T, cfg Config, wrap func(*ledger.MemoryStore) ledger.Store) *env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	e := &env{
		ctx:   context.Background(),
		store: ledger.NewMemoryStore(),
		chain: rpctest.NewChain(20),
		clock: &clock{now: time.Unix(1_700_000_000, 0)},
	}
	store := wrap(e.store)
	rec := scan.NewReconciler(store, e.chain, events.Nop{}, logger, 0)
	sched := scan.NewScheduler(store, e.chain, rec, logger, scan.SchedulerConfig{MaxJobSpan: 100, VerifyParallelism: 2})
	t.Cleanup(sched.Stop)

	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	e.keys = keys
	e.coord = New(sched, rec, keys, nil, cfg, logger)
	e.coord.now = e.clock.Now
	t.Cleanup(e.coord.Shutdown)
	return e
}

func (e *env) save(t *testing.T, address string, head int64) {
	t.Helper()
	_, err := e.store.Save(e.ctx, ledgertest.NewAccount(address, head), 0)
	require.NoError(t, err)
}

type worker struct {
	t    *testing.T
	conn *pipeConn
	errc chan error
}

// dial runs a session and answers the challenge with kp.
func (e *env) dial(t *testing.T, kp *KeyPair) *worker {
	t.Helper()
	w := &worker{t: t, conn: newPipe(), errc: make(chan error, 1)}
	go func() { w.errc <- e.coord.Serve(e.ctx, w.conn) }()
	t.Cleanup(func() { _ = w.conn.Close() })

	var ch Challenge
	require.NoError(t, w.expect(FrameChallenge).Decode(&ch))
	auth, err := kp.Answer(ch)
	require.NoError(t, err)
	w.send(FrameAuth, auth)
	return w
}

// connect dials with the coordinator's own key and waits for the session to idle.
func (e *env) connect(t *testing.T) *worker {
	t.Helper()
	before := len(e.coord.Sessions())
	w := e.dial(t, e.keys)
	require.Eventually(t, func() bool { return len(e.coord.idleSessions()) == before+1 }, 2*time.Second, 5*time.Millisecond)
	return w
}

func (w *worker) send(t FrameType, body any) {
	f, err := NewFrame(t, body)
	require.NoError(w.t, err)
	w.conn.in <- f
}

func (w *worker) block(address string, seq int64, hash, parent string) {
	w.send(FrameBlock, scan.Report{Address: address, Sequence: seq, Hash: hash, ParentHash: parent})
}

func (w *worker) expect(t FrameType) Frame {
	w.t.Helper()
	select {
	case f := <-w.conn.out:
		require.Equal(w.t, t, f.Type, "frame %s", string(f.Data))
		return f
	case <-time.After(2 * time.Second):
		w.t.Fatalf("no %s frame", t)
	}
	return Frame{}
}

func (w *worker) expectJob() JobAssignment {
	w.t.Helper()
	var job JobAssignment
	require.NoError(w.t, w.expect(FrameJob).Decode(&job))
	return job
}

func (w *worker) quiet() bool {
	select {
	case <-w.conn.out:
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}

func TestHandshakeAcceptsAllowedKey(t *testing.T) {
	e := newEnv(t, Config{})
	e.connect(t)

	infos := e.coord.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, e.keys.PublicHex(), infos[0].PublicKey)
	assert.Equal(t, StateIdle.String(), infos[0].State)
}

func TestHandshakeRejects(t *testing.T) {
	stranger, err := GenerateKeyPair()
	require.NoError(t, err)

	tests := []struct {
		name  string
		reply func(e *env, ch Challenge) (FrameType, any)
	}{
		{"unknown key", func(e *env, ch Challenge) (FrameType, any) {
			auth, err := stranger.Answer(ch)
			require.NoError(t, err)
			return FrameAuth, auth
		}},
		{"bad signature", func(e *env, ch Challenge) (FrameType, any) {
			return FrameAuth, Auth{PublicKey: e.keys.PublicHex(), Signature: stranger.Sign([]byte(ch.Nonce))}
		}},
		{"wrong frame", func(e *env, ch Challenge) (FrameType, any) {
			return FrameBlock, scan.Report{Address: "a", Sequence: 1, Hash: "h1"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, Config{})
			w := &worker{t: t, conn: newPipe(), errc: make(chan error, 1)}
			go func() { w.errc <- e.coord.Serve(e.ctx, w.conn) }()

			var ch Challenge
			require.NoError(t, w.expect(FrameChallenge).Decode(&ch))
			typ, body := tt.reply(e, ch)
			w.send(typ, body)

			w.expect(FrameError)
			select {
			case err := <-w.errc:
				assert.True(t, errs.IsInvalid(err), "%v", err)
			case <-time.After(2 * time.Second):
				t.Fatal("session not closed")
			}
			assert.Empty(t, e.coord.Sessions())
		})
	}
}

func TestHandshakeTimeout(t *testing.T) {
	e := newEnv(t, Config{HandshakeTimeout: 20 * time.Millisecond})
	w := &worker{t: t, conn: newPipe(), errc: make(chan error, 1)}
	go func() { w.errc <- e.coord.Serve(e.ctx, w.conn) }()
	w.expect(FrameChallenge)

	select {
	case err := <-w.errc:
		assert.True(t, errs.IsInvalid(err))
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not time out")
	}
}

func TestDispatchScanAndComplete(t *testing.T) {
	e := newEnv(t, Config{})
	e.save(t, "acct-a", 10)
	w := e.connect(t)

	n, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job := w.expectJob()
	assert.Equal(t, "acct-a", job.Account.Address)
	assert.Equal(t, "vk-acct-a", job.Account.VK)
	assert.Equal(t, JobRange{From: 11, To: 20}, job.Job)
	assert.True(t, e.coord.Held("acct-a"))
	assert.Equal(t, StateAssigned.String(), e.coord.Sessions()[0].State)

	for seq := job.Job.To; seq >= job.Job.From; seq-- {
		w.block("acct-a", seq, rpctest.Hash("", seq), rpctest.Hash("", seq-1))
	}
	w.send(FrameComplete, Complete{JobID: job.JobID})

	require.Eventually(t, func() bool { return !e.coord.Held("acct-a") }, 2*time.Second, 5*time.Millisecond)
	acct, err := e.store.Get(e.ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, int64(20), acct.Head)
	assert.Equal(t, "h20", acct.Hash)
	assert.False(t, acct.NeedScan)
	assert.Equal(t, StateIdle.String(), e.coord.Sessions()[0].State)
	assert.True(t, w.quiet(), "no error frames for valid reports")
}

func TestAtMostOneJobPerAccount(t *testing.T) {
	e := newEnv(t, Config{})
	e.save(t, "acct-a", 10)
	workers := []*worker{e.connect(t), e.connect(t), e.connect(t)}

	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.coord.Dispatch(e.ctx)
			assert.NoError(t, err)
			total.Add(int64(n))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), total.Load())

	jobs := 0
	for _, w := range workers {
		if !w.quiet() {
			jobs++
		}
	}
	assert.Equal(t, 1, jobs)
	assert.Equal(t, 1, e.coord.Len())
}

func TestReportsOutsideJobAreDropped(t *testing.T) {
	e := newEnv(t, Config{})
	e.save(t, "acct-a", 10)
	e.save(t, "acct-b", 12)
	w := e.connect(t)

	_, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	job := w.expectJob()
	require.Equal(t, "acct-a", job.Account.Address)

	w.block("acct-b", 13, "h13", "h12")
	w.expect(FrameError)
	w.block("acct-a", 25, "h25", "h24")
	w.expect(FrameError)

	b, err := e.store.Get(e.ctx, "acct-b")
	require.NoError(t, err)
	assert.Equal(t, int64(12), b.Head)
	rows, err := e.store.ListUnstable(e.ctx, "acct-a")
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.True(t, e.coord.Held("acct-a"))
}

func TestDisconnectReleasesLock(t *testing.T) {
	e := newEnv(t, Config{})
	e.save(t, "acct-a", 10)
	w := e.connect(t)

	_, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	w.expectJob()
	w.block("acct-a", 11, "h11", "h10")
	require.NoError(t, w.conn.Close())

	select {
	case <-w.errc:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
	}
	assert.False(t, e.coord.Held("acct-a"))
	assert.Empty(t, e.coord.Sessions())
}

func TestJanitorExpiresIdleJobs(t *testing.T) {
	e := newEnv(t, Config{JobTimeout: time.Minute})
	e.save(t, "acct-a", 10)
	w := e.connect(t)

	_, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	job := w.expectJob()

	e.clock.Advance(30 * time.Second)
	assert.Equal(t, 0, e.coord.Expire())

	e.clock.Advance(time.Minute)
	assert.Equal(t, 1, e.coord.Expire())

	var cancel Cancel
	require.NoError(t, w.expect(FrameCancel).Decode(&cancel))
	assert.Equal(t, job.JobID, cancel.JobID)
	assert.False(t, e.coord.Held("acct-a"))

	// a late completion for the expired job is refused
	w.send(FrameComplete, Complete{JobID: job.JobID})
	w.expect(FrameError)
}

// gatedStore parks Get calls while armed until release is closed.
type gatedStore struct {
	*ledger.MemoryStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, address string) (*ledger.Account, error) {
	if g.armed.Load() {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.MemoryStore.Get(ctx, address)
}

// session returns the only registered session.
func (e *env) session(t *testing.T) *Session {
	t.Helper()
	var out []*Session
	e.coord.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	require.Len(t, out, 1)
	return out[0]
}

func TestJanitorLeavesReportInFlight(t *testing.T) {
	gate := &gatedStore{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := newEnvWith(t, Config{JobTimeout: time.Minute}, func(m *ledger.MemoryStore) ledger.Store {
		gate.MemoryStore = m
		return gate
	})
	e.save(t, "acct-a", 10)
	w := e.connect(t)

	_, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	w.expectJob()

	gate.armed.Store(true)
	w.block("acct-a", 11, "h11", "h10")
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("report never reached the store")
	}

	e.clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, e.coord.Expire())
	assert.True(t, e.coord.Held("acct-a"))

	gate.armed.Store(false)
	close(gate.release)
	s := e.session(t)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.inflight
	}, 2*time.Second, 5*time.Millisecond)
	acct, err := e.store.Get(e.ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, int64(11), acct.Head)

	e.clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, e.coord.Expire())
	assert.False(t, e.coord.Held("acct-a"))
}

func TestExpiryYieldsToReportStartedAfterScan(t *testing.T) {
	e := newEnv(t, Config{JobTimeout: time.Minute})
	e.save(t, "acct-a", 10)
	w := e.connect(t)

	_, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	job := w.expectJob()

	e.clock.Advance(2 * time.Minute)
	now := e.clock.Now()
	s := e.session(t)
	s.mu.Lock()
	require.True(t, e.coord.expired(s, now))
	s.mu.Unlock()

	// the reader claims the job between the janitor's scan and its cancel
	_, ok := e.coord.active(s, func(j *scan.Job) bool { return j.ID == job.JobID })
	require.True(t, ok)

	assert.False(t, e.coord.expireSession(s, now))
	assert.True(t, e.coord.Held("acct-a"))
	assert.NotNil(t, s.Job())
	assert.True(t, w.quiet(), "no cancel frame")
}

func TestReorgCancelsJob(t *testing.T) {
	e := newEnv(t, Config{})
	e.save(t, "acct-a", 10)
	w := e.connect(t)

	_, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	job := w.expectJob()

	w.block("acct-a", 11, "h11", "h10")
	e.chain.Reorg("b", 11, 20)
	w.block("acct-a", 11, "b11", "h10")

	var cancel Cancel
	require.NoError(t, w.expect(FrameCancel).Decode(&cancel))
	assert.Equal(t, job.JobID, cancel.JobID)
	assert.False(t, e.coord.Held("acct-a"))

	acct, err := e.store.Get(e.ctx, "acct-a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), acct.Head)
	assert.True(t, acct.NeedScan)
}

func TestFailedJobReleasesLock(t *testing.T) {
	e := newEnv(t, Config{})
	e.save(t, "acct-a", 10)
	w := e.connect(t)

	_, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	job := w.expectJob()

	w.send(FrameFailed, Failed{JobID: job.JobID, Reason: "decrypt error"})
	require.Eventually(t, func() bool { return !e.coord.Held("acct-a") }, 2*time.Second, 5*time.Millisecond)

	n, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the account is scheduled again")
	w.expectJob()
}

func TestDispatchVerifiesAccountsAtHead(t *testing.T) {
	e := newEnv(t, Config{})
	e.save(t, "acct-a", 20)
	require.NoError(t, e.store.SetNeedScan(e.ctx, "acct-a", true))

	n, err := e.coord.Dispatch(e.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	acct, err := e.store.Get(e.ctx, "acct-a")
	require.NoError(t, err)
	assert.False(t, acct.NeedScan)
	assert.False(t, e.coord.Held("acct-a"))
}

func TestDispatchNodeDown(t *testing.T) {
	e := newEnv(t, Config{})
	e.save(t, "acct-a", 10)
	e.connect(t)
	e.chain.SetDown(true)

	_, err := e.coord.Dispatch(e.ctx)
	require.Error(t, err)
	assert.False(t, e.coord.Held("acct-a"))
}
