package scan

import (
	"context"

	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/events"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/metrics"
	"github.com/iron-fish/oreowallet-mono/pkg/rpc"
)

// DefaultMaxRewindDepth bounds how far a rewind may go below the disputed sequence.
const DefaultMaxRewindDepth = 10

// staleReads bounds how often a report is re-applied after the checkpoint it
// was derived from moved underneath, e.g. by a rescan from the gateway.
const staleReads = 3

// Reconciler applies worker evidence to the ledger. Callers hold the account's
// per-address lock for every call, so each method sees a stable account.
type Reconciler struct {
	store          ledger.Store
	node           rpc.Node
	notifier       events.Notifier
	logger         *zap.Logger
	maxRewindDepth int64
}

func NewReconciler(store ledger.Store, node rpc.Node, notifier events.Notifier, logger *zap.Logger, maxRewindDepth int64) *Reconciler {
	if notifier == nil {
		notifier = events.Nop{}
	}
	if maxRewindDepth < 1 {
		maxRewindDepth = DefaultMaxRewindDepth
	}
	return &Reconciler{
		store:          store,
		node:           node,
		notifier:       notifier,
		logger:         logger,
		maxRewindDepth: maxRewindDepth,
	}
}

// Apply reconciles one report. Reports below the head come back as Invalid and
// leave the ledger untouched.
func (r *Reconciler) Apply(ctx context.Context, rep Report) (Result, error) {
	var (
		res Result
		err error
	)
	for attempt := 1; attempt <= staleReads; attempt++ {
		if res, err = r.apply(ctx, rep); !errs.IsConflict(err) {
			break
		}
		r.logger.Debug("Checkpoint moved during reconciliation, re-reading",
			zap.String("address", rep.Address),
			zap.Int64("sequence", rep.Sequence),
			zap.Int("attempt", attempt))
	}
	outcome := res.Outcome
	if err != nil {
		outcome = OutcomeDropped
		if !errs.IsInvalid(err) {
			outcome = "error"
		}
	}
	metrics.ReportsApplied.WithLabelValues(string(outcome)).Inc()
	return res, err
}

func (r *Reconciler) apply(ctx context.Context, rep Report) (Result, error) {
	if err := rep.Validate(); err != nil {
		return r.drop(ctx, rep, err)
	}
	acct, err := r.store.Get(ctx, rep.Address)
	if err != nil {
		return Result{}, err
	}
	res := resultOf(acct)

	switch {
	case rep.Sequence < acct.Head:
		return r.drop(ctx, rep, errs.Invalidf("report %s@%d below head %d", rep.Address, rep.Sequence, acct.Head))
	case rep.Sequence == acct.Head && rep.Hash == acct.Hash:
		res.Outcome = OutcomeDuplicate
		return res, nil
	case rep.Sequence == acct.Head:
		r.notifier.Publish(ctx, events.Event{
			Type: events.ReorgDetected, Address: acct.Address, Sequence: rep.Sequence,
			Hash: rep.Hash, Head: acct.Head, Reason: "conflict at stable head",
		})
		return r.rewind(ctx, acct, rep.Sequence, rep.ParentHash, "conflict at stable head")
	}

	row, err := r.store.GetUnstable(ctx, rep.Address, rep.Sequence)
	switch {
	case err == nil && row.Hash == rep.Hash:
		res.Outcome = OutcomeDuplicate
		return res, nil
	case err == nil:
		return r.invalidatePath(ctx, acct, rep)
	case !errs.IsNotFound(err):
		return Result{}, err
	}

	if rep.Sequence == acct.Head+1 && rep.ParentHash == acct.Hash {
		if err := r.markScanning(ctx, acct); err != nil {
			return Result{}, err
		}
		if err := r.store.AdvanceHead(ctx, acct.Address, acct.Checkpoint(), rep.Sequence, rep.Hash); err != nil {
			return Result{}, err
		}
		metrics.HeadAdvances.Inc()
		r.notifier.Publish(ctx, events.Event{
			Type: events.HeadAdvanced, Address: acct.Address, Sequence: rep.Sequence,
			Hash: rep.Hash, Head: rep.Sequence,
		})
		acct.Head, acct.Hash = rep.Sequence, rep.Hash
		return r.promote(ctx, acct, OutcomeAdvanced)
	}

	if err := r.store.PutUnstable(ctx, &ledger.UnstableAccount{
		Address:    rep.Address,
		Sequence:   rep.Sequence,
		Hash:       rep.Hash,
		ParentHash: rep.ParentHash,
	}); err != nil {
		return Result{}, err
	}
	r.notifier.Publish(ctx, events.Event{
		Type: events.UnstableRecorded, Address: acct.Address, Sequence: rep.Sequence,
		Hash: rep.Hash, Head: acct.Head,
	})
	return r.promote(ctx, acct, OutcomeRecorded)
}

// promote folds the longest parent-linked run head+1, head+2, ... into the head.
func (r *Reconciler) promote(ctx context.Context, acct *ledger.Account, outcome Outcome) (Result, error) {
	rows, err := r.store.ListUnstable(ctx, acct.Address)
	if err != nil {
		return Result{}, err
	}

	next, prev := acct.Head+1, acct.Hash
	var last *ledger.UnstableAccount
	n := 0
	for _, row := range rows {
		if row.Sequence < next {
			continue
		}
		if row.Sequence != next || row.ParentHash != prev {
			break
		}
		last, prev = row, row.Hash
		next++
		n++
	}

	if last != nil {
		if err := r.markScanning(ctx, acct); err != nil {
			return Result{}, err
		}
		if err := r.store.AdvanceHead(ctx, acct.Address, acct.Checkpoint(), last.Sequence, last.Hash); err != nil {
			return Result{}, err
		}
		metrics.HeadAdvances.Inc()
		r.logger.Debug("Promoted unstable run",
			zap.String("address", acct.Address),
			zap.Int64("from", acct.Head+1),
			zap.Int64("to", last.Sequence))
		r.notifier.Publish(ctx, events.Event{
			Type: events.Promoted, Address: acct.Address, Sequence: last.Sequence,
			Hash: last.Hash, Head: last.Sequence, Reason: "contiguous run",
		})
		acct.Head, acct.Hash = last.Sequence, last.Hash
		if outcome == OutcomeRecorded {
			outcome = OutcomeAdvanced
		}
	}

	res := resultOf(acct)
	res.Outcome = outcome
	res.Promoted = n
	return res, nil
}

// markScanning raises need_scan before a worker-supplied hash becomes the
// checkpoint; only a node verification clears it again.
func (r *Reconciler) markScanning(ctx context.Context, acct *ledger.Account) error {
	if acct.NeedScan {
		return nil
	}
	if err := r.store.SetNeedScan(ctx, acct.Address, true); err != nil {
		return err
	}
	acct.NeedScan = true
	return nil
}

// invalidatePath handles a second, different hash for a sequence above the
// head: the stable checkpoint is the deepest safe ancestor, so every tentative
// row goes and the account is rescanned from there.
func (r *Reconciler) invalidatePath(ctx context.Context, acct *ledger.Account, rep Report) (Result, error) {
	r.logger.Warn("Conflicting report above stable head",
		zap.String("address", acct.Address),
		zap.Int64("sequence", rep.Sequence),
		zap.Int64("head", acct.Head))
	r.notifier.Publish(ctx, events.Event{
		Type: events.ReorgDetected, Address: acct.Address, Sequence: rep.Sequence,
		Hash: rep.Hash, Head: acct.Head, Reason: "conflict above stable head",
	})
	if err := r.store.ResetHead(ctx, acct.Address, acct.Head, acct.Hash, true); err != nil {
		return Result{}, err
	}
	metrics.Rewinds.WithLabelValues("tentative_path").Inc()
	acct.NeedScan = true
	res := resultOf(acct)
	res.Outcome = OutcomeReorg
	return res, nil
}

// rewind moves the checkpoint below disputed using the node's canonical hash.
// The default is one block. When the reporter's parent disagrees with the node
// the divergence is deeper than we can see, so the rewind goes maxRewindDepth
// blocks back. It never goes below the account's origin. If the node cannot
// answer, the tentative path is still dropped and need_scan raised.
func (r *Reconciler) rewind(ctx context.Context, acct *ledger.Account, disputed int64, parentHint, cause string) (Result, error) {
	floor := acct.FloorHead()
	target := max(disputed-1, floor)

	blk, err := r.node.BlockAt(ctx, target)
	if err == nil && parentHint != "" && target == disputed-1 && parentHint != blk.Hash {
		if deep := max(disputed-r.maxRewindDepth, floor); deep < target {
			if deeper, derr := r.node.BlockAt(ctx, deep); derr == nil {
				target, blk = deep, deeper
			}
		}
	}

	if err != nil {
		r.logger.Warn("Node unavailable during rewind, invalidating tentative path only",
			zap.String("address", acct.Address),
			zap.Int64("disputed", disputed),
			zap.Error(err))
		if rerr := r.store.ResetHead(ctx, acct.Address, acct.Head, acct.Hash, true); rerr != nil {
			return Result{}, rerr
		}
		metrics.Rewinds.WithLabelValues("node_unavailable").Inc()
		acct.NeedScan = true
		res := resultOf(acct)
		res.Outcome = OutcomeReorg
		return res, nil
	}

	if err := r.store.ResetHead(ctx, acct.Address, target, blk.Hash, true); err != nil {
		return Result{}, err
	}
	if target == floor && acct.CreateHash != nil && *acct.CreateHash != blk.Hash {
		// the origin itself was orphaned
		if err := r.store.SetCreated(ctx, acct.Address, target, blk.Hash); err != nil {
			return Result{}, err
		}
	}
	metrics.Rewinds.WithLabelValues("reorg").Inc()
	r.logger.Info("Rewound account checkpoint",
		zap.String("address", acct.Address),
		zap.Int64("from", acct.Head),
		zap.Int64("to", target),
		zap.String("cause", cause))
	r.notifier.Publish(ctx, events.Event{
		Type: events.HeadRewound, Address: acct.Address, Sequence: disputed,
		Hash: blk.Hash, Head: target, Reason: cause,
	})

	acct.Head, acct.Hash, acct.NeedScan = target, blk.Hash, true
	res := resultOf(acct)
	res.Outcome = OutcomeReorg
	return res, nil
}

// Checkpoint verifies the account's stable checkpoint against the node. A
// match clears need_scan once the head reached target; a mismatch rewinds.
func (r *Reconciler) Checkpoint(ctx context.Context, address string, target int64) (Result, error) {
	acct, err := r.store.Get(ctx, address)
	if err != nil {
		return Result{}, err
	}

	blk, err := r.node.BlockAt(ctx, acct.Head)
	if err != nil {
		metrics.CheckpointVerifications.WithLabelValues("error").Inc()
		return Result{}, err
	}
	if blk.Hash != acct.Hash {
		metrics.CheckpointVerifications.WithLabelValues("mismatch").Inc()
		r.notifier.Publish(ctx, events.Event{
			Type: events.ReorgDetected, Address: acct.Address, Sequence: acct.Head,
			Hash: blk.Hash, Head: acct.Head, Reason: "checkpoint not canonical",
		})
		res, err := r.rewind(ctx, acct, acct.Head, "", "checkpoint not canonical")
		res.Outcome = OutcomeRewound
		return res, err
	}

	metrics.CheckpointVerifications.WithLabelValues("match").Inc()
	res := resultOf(acct)
	if acct.Head < target {
		res.Outcome = OutcomePending
		return res, nil
	}
	if acct.NeedScan {
		if err := r.store.SetNeedScan(ctx, address, false); err != nil {
			return Result{}, err
		}
		res.NeedScan = false
	}
	r.notifier.Publish(ctx, events.Event{
		Type: events.CheckpointVerified, Address: acct.Address, Sequence: acct.Head,
		Hash: acct.Hash, Head: acct.Head,
	})
	res.Outcome = OutcomeVerified
	return res, nil
}

// Complete closes a finished job by verifying the checkpoint against the head
// the job was planned for.
func (r *Reconciler) Complete(ctx context.Context, job *Job) (Result, error) {
	return r.Checkpoint(ctx, job.Address, job.Latest)
}

func (r *Reconciler) drop(ctx context.Context, rep Report, err error) (Result, error) {
	r.logger.Warn("Dropping worker report",
		zap.String("address", rep.Address),
		zap.Int64("sequence", rep.Sequence),
		zap.Error(err))
	r.notifier.Publish(ctx, events.Event{
		Type: events.ReportDropped, Address: rep.Address, Sequence: rep.Sequence,
		Hash: rep.Hash, Reason: err.Error(),
	})
	return Result{Outcome: OutcomeDropped}, err
}

func resultOf(acct *ledger.Account) Result {
	return Result{Head: acct.Head, Hash: acct.Hash, NeedScan: acct.NeedScan}
}
