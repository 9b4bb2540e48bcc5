package ledger

import "context"

// Store is the account ledger. It is the only durable owner of an account's
// stable checkpoint and its unstable observations.
//
// Implementations classify failures with pkg/errs: NotFound, Conflict,
// Invalid and the retryable Unavailable.
type Store interface {
	// Save persists a new account and returns its name. Conflict when the address exists.
	Save(ctx context.Context, acct *Account, originTag uint32) (string, error)
	Get(ctx context.Context, address string) (*Account, error)
	// Remove deletes the account together with its unstable rows.
	Remove(ctx context.Context, address string) error

	// AdvanceHead moves the stable checkpoint from `from` to (head, hash) and
	// discards unstable rows with sequence <= head. Conflict when the stored
	// checkpoint is no longer `from`. A lower head, or the same head with
	// another hash, fails with Invalid. Already being at (head, hash) is a no-op.
	AdvanceHead(ctx context.Context, address string, from Checkpoint, head int64, hash string) error
	// ResetHead rewrites the checkpoint unconditionally, drops every unstable
	// row of the address and sets need_scan.
	ResetHead(ctx context.Context, address string, head int64, hash string, needScan bool) error
	SetCreated(ctx context.Context, address string, head int64, hash string) error
	SetNeedScan(ctx context.Context, address string, flag bool) error

	// Oldest, NeedingScan and WithHeadAtLeast order by head ascending, then address.
	Oldest(ctx context.Context, limit int) ([]*Account, error)
	NeedingScan(ctx context.Context, limit int) ([]*Account, error)
	WithHeadAtLeast(ctx context.Context, start int64) ([]*Account, error)

	GetUnstable(ctx context.Context, address string, sequence int64) (*UnstableAccount, error)
	// PutUnstable upserts the row. NotFound when the owning account is missing.
	PutUnstable(ctx context.Context, row *UnstableAccount) error
	DeleteUnstable(ctx context.Context, address string, sequence int64) error
	// ListUnstable returns the account's rows ordered by sequence.
	ListUnstable(ctx context.Context, address string) ([]*UnstableAccount, error)

	// PinGenesis records hash as the ledger's network when none is recorded
	// yet and returns the recorded one.
	PinGenesis(ctx context.Context, hash string) (string, error)

	Close() error
}
