package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/metrics"
	"github.com/iron-fish/oreowallet-mono/pkg/retry"
	"github.com/iron-fish/oreowallet-mono/pkg/scan"
)

const (
	DefaultJobTimeout       = 5 * time.Minute
	DefaultCallTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultDispatchBatch    = 64
	DefaultSendBuffer       = 64
)

// Config tunes session handling.
type Config struct {
	// JobTimeout expires a job after this long without worker activity.
	JobTimeout time.Duration
	// CallTimeout bounds every ledger or node call made for a session.
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	// DispatchBatch is the planning limit of one dispatch round.
	DispatchBatch int
	SendBuffer    int
}

func (c *Config) withDefaults() {
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.DispatchBatch <= 0 {
		c.DispatchBatch = DefaultDispatchBatch
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = DefaultSendBuffer
	}
}

// assignment is the holder of an address lock.
type assignment struct {
	session string
	jobID   string
	since   time.Time
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
	State     string `json:"state"`
	JobID     string `json:"job_id,omitempty"`
	Address   string `json:"address,omitempty"`
	From      int64  `json:"from_sequence,omitempty"`
	To        int64  `json:"to_sequence,omitempty"`
}

// Coordinator owns worker sessions and the per-address locks. At most one
// job or verification per address is outstanding across all sessions.
type Coordinator struct {
	scheduler  *scan.Scheduler
	reconciler *scan.Reconciler
	keys       *KeyPair
	allow      *AllowList
	cfg        Config
	logger     *zap.Logger
	callRetry  retry.Config

	sessions *xsync.Map[string, *Session]
	locks    *xsync.Map[string, *assignment]

	dispatchMu sync.Mutex
	wake       chan struct{}
	now        func() time.Time
}

// New builds a coordinator. A nil allow list admits only the coordinator's own key.
func New(scheduler *scan.Scheduler, reconciler *scan.Reconciler, keys *KeyPair, allow *AllowList, cfg Config, logger *zap.Logger) *Coordinator {
	cfg.withDefaults()
	if allow == nil || allow.Len() == 0 {
		allow = NewAllowList(keys.PublicHex())
	}
	return &Coordinator{
		scheduler:  scheduler,
		reconciler: reconciler,
		keys:       keys,
		allow:      allow,
		cfg:        cfg,
		logger:     logger,
		callRetry:  retry.CallConfig(errs.Retryable),
		sessions:   xsync.NewMap[string, *Session](),
		locks:      xsync.NewMap[string, *assignment](),
		wake:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Held reports whether address has an outstanding job or verification.
func (c *Coordinator) Held(address string) bool {
	_, ok := c.locks.Load(address)
	return ok
}

// Len is the number of held address locks.
func (c *Coordinator) Len() int {
	return c.locks.Size()
}

func (c *Coordinator) claim(address string, a *assignment) bool {
	if _, loaded := c.locks.LoadOrStore(address, a); loaded {
		return false
	}
	metrics.AddressLocks.Inc()
	return true
}

// release drops the lock only if a still holds it.
func (c *Coordinator) release(address string, a *assignment) {
	released := false
	c.locks.Compute(address, func(old *assignment, loaded bool) (*assignment, xsync.ComputeOp) {
		if loaded && old == a {
			released = true
			return nil, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
	if released {
		metrics.AddressLocks.Dec()
	}
}

func (c *Coordinator) releaseJob(job *scan.Job) {
	if a, ok := c.locks.Load(job.Address); ok && a.jobID == job.ID {
		c.release(job.Address, a)
	}
}

// Trigger requests a dispatch round from Run without blocking.
func (c *Coordinator) Trigger() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run dispatches whenever Trigger fires until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return nil
		case <-c.wake:
			if _, err := c.Dispatch(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("Dispatch round failed", zap.Error(err))
				metrics.ErrorsTotal.WithLabelValues("dispatch", errs.KindOf(err).String()).Inc()
			}
		}
	}
}

// Serve runs one worker connection until it closes. The handshake must
// succeed before the session can receive a job.
func (c *Coordinator) Serve(ctx context.Context, conn Conn) error {
	s := newSession(uuid.NewString(), conn, c.cfg.SendBuffer, c.logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.closeSession(s)

	go func() {
		select {
		case <-ctx.Done():
			s.close()
		case <-s.done:
		}
	}()

	if err := c.handshake(s); err != nil {
		s.logger.Warn("Worker handshake rejected", zap.Error(err))
		if f, ferr := NewFrame(FrameError, ErrorMessage{Message: err.Error()}); ferr == nil {
			_ = conn.WriteJSON(f)
		}
		return err
	}

	s.mu.Lock()
	s.setState(StateIdle)
	s.mu.Unlock()
	c.sessions.Store(s.ID, s)
	s.logger.Info("Worker session authenticated", zap.String("public_key", s.PublicKey))

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic in session writer goroutine",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())))
				s.close()
			}
		}()
		s.writeLoop(ctx)
	}()
	c.Trigger()

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		c.handle(ctx, s, f)
	}
}

func (c *Coordinator) handshake(s *Session) error {
	ch, nonce, err := c.keys.NewChallenge()
	if err != nil {
		return err
	}
	f, err := NewFrame(FrameChallenge, ch)
	if err != nil {
		return err
	}
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("send challenge: %w", err)
	}

	var reply Frame
	if err := c.readWithin(s, &reply, c.cfg.HandshakeTimeout); err != nil {
		return err
	}
	if reply.Type != FrameAuth {
		return errs.Invalidf("expected %s frame, got %q", FrameAuth, reply.Type)
	}
	var auth Auth
	if err := reply.Decode(&auth); err != nil {
		return err
	}
	if !c.allow.Allowed(auth.PublicKey) {
		return errs.Invalidf("worker key %s is not allowed", auth.PublicKey)
	}
	if err := Verify(auth.PublicKey, nonce, auth.Signature); err != nil {
		return err
	}
	s.PublicKey = auth.PublicKey
	return nil
}

func (c *Coordinator) readWithin(s *Session, f *Frame, d time.Duration) error {
	result := make(chan error, 1)
	var got Frame
	go func() { result <- s.conn.ReadJSON(&got) }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("read handshake: %w", err)
		}
		*f = got
		return nil
	case <-timer.C:
		s.close()
		return errs.Invalidf("handshake timed out after %s", d)
	}
}

func (c *Coordinator) closeSession(s *Session) {
	s.mu.Lock()
	job := s.job
	s.job = nil
	metrics.Sessions.WithLabelValues(s.state.String()).Dec()
	s.state = StateClosed
	s.mu.Unlock()

	if job != nil {
		// no partial credit: whatever was reconciled stays, the rest is rescheduled
		c.releaseJob(job)
		metrics.JobsFinished.WithLabelValues("disconnected").Inc()
		c.Trigger()
	}
	c.sessions.Delete(s.ID)
	s.close()
	s.logger.Info("Worker session closed")
}

// Shutdown closes every session.
func (c *Coordinator) Shutdown() {
	c.sessions.Range(func(_ string, s *Session) bool {
		s.close()
		return true
	})
}

func (c *Coordinator) handle(ctx context.Context, s *Session, f Frame) {
	switch f.Type {
	case FrameBlock:
		var rep scan.Report
		if err := f.Decode(&rep); err != nil {
			c.reject(s, err)
			return
		}
		c.handleBlock(ctx, s, rep)
	case FrameComplete:
		var done Complete
		if err := f.Decode(&done); err != nil {
			c.reject(s, err)
			return
		}
		c.handleComplete(ctx, s, done.JobID)
	case FrameFailed:
		var failed Failed
		if err := f.Decode(&failed); err != nil {
			c.reject(s, err)
			return
		}
		c.handleFailed(s, failed)
	default:
		c.reject(s, errs.Invalidf("unexpected frame type %q", f.Type))
	}
}

// active returns the session's job when it matches match, marking a call in flight.
func (c *Coordinator) active(s *Session, match func(*scan.Job) bool) (*scan.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.job
	if job == nil || !match(job) {
		return nil, false
	}
	a, ok := c.locks.Load(job.Address)
	if !ok || a.session != s.ID || a.jobID != job.ID {
		return nil, false
	}
	s.inflight = true
	s.lastActivity = c.now()
	return job, true
}

func (c *Coordinator) idle(s *Session) {
	s.mu.Lock()
	s.inflight = false
	s.lastActivity = c.now()
	s.mu.Unlock()
}

func (c *Coordinator) handleBlock(ctx context.Context, s *Session, rep scan.Report) {
	job, ok := c.active(s, func(j *scan.Job) bool {
		return j.Address == rep.Address && j.Covers(rep.Sequence)
	})
	if !ok {
		c.reject(s, errs.Invalidf("report %s@%d outside the session's job", rep.Address, rep.Sequence))
		return
	}
	s.mu.Lock()
	if s.state == StateAssigned {
		s.setState(StateAwaitingReport)
	}
	s.mu.Unlock()

	var res scan.Result
	err := c.call(ctx, "apply report", func(ctx context.Context) error {
		var err error
		res, err = c.reconciler.Apply(ctx, rep)
		return err
	})
	switch {
	case errs.IsInvalid(err):
		c.idle(s)
		c.reject(s, err)
	case err != nil:
		s.logger.Error("Report could not be applied, abandoning job",
			zap.String("job", job.ID),
			zap.String("address", rep.Address),
			zap.Int64("sequence", rep.Sequence),
			zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("session", errs.KindOf(err).String()).Inc()
		c.cancel(s, job, "error")
	case res.Outcome == scan.OutcomeReorg:
		// the range was planned from a checkpoint that no longer exists
		s.logger.Info("Reorg during job, cancelling",
			zap.String("job", job.ID),
			zap.String("address", rep.Address),
			zap.Int64("head", res.Head))
		c.cancel(s, job, "reorg")
	default:
		c.idle(s)
	}
}

func (c *Coordinator) handleComplete(ctx context.Context, s *Session, jobID string) {
	job, ok := c.active(s, func(j *scan.Job) bool { return j.ID == jobID })
	if !ok {
		c.reject(s, errs.Invalidf("complete for unknown job %s", jobID))
		return
	}
	var res scan.Result
	err := c.call(ctx, "complete job", func(ctx context.Context) error {
		var err error
		res, err = c.reconciler.Complete(ctx, job)
		return err
	})
	if err != nil {
		s.logger.Warn("Job completion could not verify checkpoint",
			zap.String("job", job.ID),
			zap.String("address", job.Address),
			zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("session", errs.KindOf(err).String()).Inc()
	} else {
		s.logger.Debug("Job completed",
			zap.String("job", job.ID),
			zap.String("address", job.Address),
			zap.String("outcome", string(res.Outcome)),
			zap.Int64("head", res.Head))
	}
	c.finish(s, job, "completed")
}

func (c *Coordinator) handleFailed(s *Session, failed Failed) {
	s.mu.Lock()
	job := s.job
	s.mu.Unlock()
	if job == nil || job.ID != failed.JobID {
		c.reject(s, errs.Invalidf("failed for unknown job %s", failed.JobID))
		return
	}
	s.logger.Warn("Worker reported job failure",
		zap.String("job", job.ID),
		zap.String("address", job.Address),
		zap.String("reason", failed.Reason))
	c.finish(s, job, "failed")
}

// finish detaches job from s, releases its lock and makes s idle again.
func (c *Coordinator) finish(s *Session, job *scan.Job, result string) bool {
	return c.finishIf(s, job, result, nil)
}

// finishIf is finish guarded by cond, which is evaluated under s.mu in the
// same critical section as the detach. A nil cond always holds.
func (c *Coordinator) finishIf(s *Session, job *scan.Job, result string, cond func(*Session) bool) bool {
	s.mu.Lock()
	detached := s.job != nil && s.job.ID == job.ID && (cond == nil || cond(s))
	if detached {
		s.job = nil
		s.inflight = false
		if s.state != StateClosed {
			s.setState(StateIdle)
		}
	}
	s.mu.Unlock()
	if !detached {
		return false
	}
	c.releaseJob(job)
	metrics.JobsFinished.WithLabelValues(result).Inc()
	c.Trigger()
	return true
}

// cancel tells the worker to stop job and frees the session.
func (c *Coordinator) cancel(s *Session, job *scan.Job, result string) {
	c.cancelIf(s, job, result, nil)
}

func (c *Coordinator) cancelIf(s *Session, job *scan.Job, result string, cond func(*Session) bool) bool {
	if !c.finishIf(s, job, result, cond) {
		return false
	}
	if f, err := NewFrame(FrameCancel, Cancel{JobID: job.ID}); err == nil {
		s.enqueue(f)
	}
	return true
}

func (c *Coordinator) reject(s *Session, err error) {
	s.logger.Warn("Dropping worker frame", zap.Error(err))
	metrics.ErrorsTotal.WithLabelValues("session", errs.KindOf(err).String()).Inc()
	if f, ferr := NewFrame(FrameError, ErrorMessage{Message: err.Error()}); ferr == nil {
		s.enqueue(f)
	}
}

// call runs fn with CallTimeout per attempt, retrying transient failures.
func (c *Coordinator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return retry.WithBackoff(ctx, c.callRetry, c.logger, op, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return fn(callCtx)
	})
}

// Dispatch runs one planning round: idle sessions get jobs and need_scan
// accounts already at the node head get their checkpoint verified.
func (c *Coordinator) Dispatch(ctx context.Context) (int, error) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	idle := c.idleSessions()
	limit := max(c.cfg.DispatchBatch, len(idle))

	var plan *scan.Plan
	err := c.call(ctx, "plan scan jobs", func(ctx context.Context) error {
		var err error
		plan, err = c.scheduler.Candidates(ctx, limit, c)
		return err
	})
	if err != nil {
		return 0, err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	c.scheduler.VerifyCheckpoints(callCtx, plan.Verify, plan.Latest, c.claimVerification)
	cancel()

	assigned := 0
	for _, job := range plan.Jobs {
		if len(idle) == 0 {
			break
		}
		s := idle[0]
		if c.assign(s, job) {
			assigned++
			idle = idle[1:]
		} else if s.State() != StateIdle {
			idle = idle[1:]
		}
	}
	if assigned > 0 {
		c.logger.Debug("Dispatched scan jobs",
			zap.Int("assigned", assigned),
			zap.Int64("latest", plan.Latest))
	}
	return assigned, nil
}

func (c *Coordinator) claimVerification(address string) (func(), bool) {
	a := &assignment{jobID: "verify-" + uuid.NewString(), since: c.now()}
	if !c.claim(address, a) {
		return nil, false
	}
	return func() { c.release(address, a) }, true
}

func (c *Coordinator) idleSessions() []*Session {
	var out []*Session
	c.sessions.Range(func(_ string, s *Session) bool {
		if s.State() == StateIdle {
			out = append(out, s)
		}
		return true
	})
	return out
}

func (c *Coordinator) assign(s *Session, job *scan.Job) bool {
	a := &assignment{session: s.ID, jobID: job.ID, since: c.now()}
	if !c.claim(job.Address, a) {
		return false
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		c.release(job.Address, a)
		return false
	}
	s.job = job
	s.lastActivity = c.now()
	s.setState(StateAssigned)
	s.mu.Unlock()

	f, err := NewFrame(FrameJob, AssignmentFor(job))
	if err != nil || !s.enqueue(f) {
		c.finish(s, job, "undeliverable")
		return false
	}
	metrics.JobsDispatched.Inc()
	s.logger.Debug("Assigned scan job",
		zap.String("job", job.ID),
		zap.String("address", job.Address),
		zap.Int64("from", job.From),
		zap.Int64("to", job.To))
	return true
}

// Expire cancels jobs without worker activity for JobTimeout. Jobs with a
// ledger call in flight are left for the next pass.
func (c *Coordinator) Expire() int {
	now := c.now()
	var stale []*Session
	c.sessions.Range(func(_ string, s *Session) bool {
		s.mu.Lock()
		if c.expired(s, now) {
			stale = append(stale, s)
		}
		s.mu.Unlock()
		return true
	})

	expired := 0
	for _, s := range stale {
		if c.expireSession(s, now) {
			expired++
		}
	}
	return expired
}

// expired reports whether s holds a job past JobTimeout; s.mu must be held.
func (c *Coordinator) expired(s *Session, now time.Time) bool {
	return s.job != nil && !s.inflight && now.Sub(s.lastActivity) > c.cfg.JobTimeout
}

// expireSession cancels the job of s unless a report started in the meantime.
func (c *Coordinator) expireSession(s *Session, now time.Time) bool {
	job := s.Job()
	if job == nil {
		return false
	}
	if !c.cancelIf(s, job, "expired", func(s *Session) bool { return c.expired(s, now) }) {
		return false
	}
	s.logger.Warn("Job timed out",
		zap.String("job", job.ID),
		zap.String("address", job.Address),
		zap.Duration("timeout", c.cfg.JobTimeout))
	return true
}

// Sessions lists every authenticated session.
func (c *Coordinator) Sessions() []Info {
	var out []Info
	c.sessions.Range(func(_ string, s *Session) bool {
		s.mu.Lock()
		info := Info{ID: s.ID, PublicKey: s.PublicKey, State: s.state.String()}
		if s.job != nil {
			info.JobID, info.Address = s.job.ID, s.job.Address
			info.From, info.To = s.job.From, s.job.To
		}
		s.mu.Unlock()
		out = append(out, info)
		return true
	})
	return out
}

// IsClosed reports whether err is the normal end of a session.
func IsClosed(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
