package scan

import (
	"context"
	"errors"
	"runtime"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/metrics"
	"github.com/iron-fish/oreowallet-mono/pkg/rpc"
)

const (
	DefaultMaxJobSpan = 10_000
	DefaultBatchSize  = 64
)

// SchedulerConfig bounds a single planning pass.
type SchedulerConfig struct {
	// MaxJobSpan caps the number of sequences in one job.
	MaxJobSpan int64
	// VerifyParallelism sizes the checkpoint verification pool.
	VerifyParallelism int
}

// Plan is the output of one planning pass.
type Plan struct {
	Latest int64
	Jobs   []*Job
	// Verify holds need_scan accounts already at the node head; they need a
	// checkpoint check instead of a job.
	Verify []*ledger.Account
}

// Busy reports whether an address already has an outstanding job.
type Busy interface {
	Held(address string) bool
	Len() int
}

// Claim takes the per-address lock for a verification and returns its release.
type Claim func(address string) (release func(), ok bool)

type Scheduler struct {
	store      ledger.Store
	node       rpc.Node
	reconciler *Reconciler
	logger     *zap.Logger
	cfg        SchedulerConfig
	pool       pond.Pool
}

func NewScheduler(store ledger.Store, node rpc.Node, reconciler *Reconciler, logger *zap.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxJobSpan <= 0 {
		cfg.MaxJobSpan = DefaultMaxJobSpan
	}
	if cfg.VerifyParallelism <= 0 {
		cfg.VerifyParallelism = min(runtime.NumCPU()*2, 16)
	}
	return &Scheduler{
		store:      store,
		node:       node,
		reconciler: reconciler,
		logger:     logger,
		cfg:        cfg,
		pool:       pond.NewPool(cfg.VerifyParallelism, pond.WithQueueSize(cfg.VerifyParallelism*8)),
	}
}

// Candidates plans up to limit jobs. need_scan accounts come first, the rest
// of the capacity is filled with the accounts that are furthest behind.
func (s *Scheduler) Candidates(ctx context.Context, limit int, busy Busy) (*Plan, error) {
	if limit <= 0 {
		return &Plan{}, nil
	}
	info, err := s.node.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}
	latest := int64(info.Latest.Index)
	metrics.LatestSequence.Set(float64(latest))

	// Locked accounts are skipped, so read past them to keep capacity full.
	headroom := limit
	if busy != nil {
		headroom += busy.Len()
	}
	flagged, err := s.store.NeedingScan(ctx, headroom)
	if err != nil {
		return nil, err
	}
	oldest, err := s.store.Oldest(ctx, headroom)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Latest: latest}
	seen := make(map[string]struct{}, len(flagged)+len(oldest))
	for _, acct := range append(flagged, oldest...) {
		if len(plan.Jobs)+len(plan.Verify) >= limit {
			break
		}
		if _, dup := seen[acct.Address]; dup {
			continue
		}
		seen[acct.Address] = struct{}{}
		if busy != nil && busy.Held(acct.Address) {
			continue
		}
		if acct.Head >= latest {
			if acct.NeedScan {
				plan.Verify = append(plan.Verify, acct)
			}
			continue
		}
		plan.Jobs = append(plan.Jobs, s.JobFor(acct, latest))
	}

	s.logger.Debug("Planned scan pass",
		zap.Int64("latest", latest),
		zap.Int("jobs", len(plan.Jobs)),
		zap.Int("verify", len(plan.Verify)))
	return plan, nil
}

// JobFor builds the job covering (head, latest], capped at MaxJobSpan.
func (s *Scheduler) JobFor(acct *ledger.Account, latest int64) *Job {
	return &Job{
		ID:      uuid.NewString(),
		Address: acct.Address,
		From:    acct.Head + 1,
		To:      min(latest, acct.Head+s.cfg.MaxJobSpan),
		Latest:  latest,
		Account: acct,
	}
}

// VerifyCheckpoints checks every account on the verification pool. Accounts
// whose lock cannot be claimed are skipped until the next pass, and no lock is
// taken for tasks that never run.
func (s *Scheduler) VerifyCheckpoints(ctx context.Context, accts []*ledger.Account, latest int64, claim Claim) {
	if len(accts) == 0 {
		return
	}
	group := s.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, acct := range accts {
		address := acct.Address
		// claimed inside the task so a task the stopped pool never runs holds no lock
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}
			release, ok := claim(address)
			if !ok {
				return
			}
			defer release()
			res, err := s.reconciler.Checkpoint(groupCtx, address, latest)
			if err != nil {
				s.logger.Warn("Checkpoint verification failed",
					zap.String("address", address),
					zap.Error(err))
				return
			}
			s.logger.Debug("Checkpoint verified",
				zap.String("address", address),
				zap.String("outcome", string(res.Outcome)),
				zap.Int64("head", res.Head))
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("Checkpoint verification pass encountered error", zap.Error(err))
	}
}

// Stop drains the verification pool.
func (s *Scheduler) Stop() {
	s.pool.StopAndWait()
}
