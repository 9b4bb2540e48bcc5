package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/iron-fish/oreowallet-mono/pkg/db/postgres"
	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
)

const accountColumns = `address, name, in_vk, out_vk, vk, head, hash, create_head, create_hash,
	need_scan, origin_tag, created_at, updated_at`

func scanAccount(row pgx.Row) (*ledger.Account, error) {
	var (
		a         ledger.Account
		originTag int64
	)
	err := row.Scan(&a.Address, &a.Name, &a.InVK, &a.OutVK, &a.VK, &a.Head, &a.Hash,
		&a.CreateHead, &a.CreateHash, &a.NeedScan, &originTag, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.OriginTag = uint32(originTag)
	return &a, nil
}

func (db *DB) Save(ctx context.Context, acct *ledger.Account, originTag uint32) (string, error) {
	name := ledger.AddressToName(acct.Address)
	query := `
		INSERT INTO account (address, name, in_vk, out_vk, vk, head, hash, create_head, create_hash, need_scan, origin_tag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := db.GetExecutor(ctx).Exec(ctx, query,
		acct.Address, name, acct.InVK, acct.OutVK, acct.VK, acct.Head, acct.Hash,
		acct.CreateHead, acct.CreateHash, acct.NeedScan, int64(originTag))
	if err != nil {
		return "", postgres.Classify("save account "+acct.Address, err)
	}
	return name, nil
}

func (db *DB) Get(ctx context.Context, address string) (*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM account WHERE address = $1`
	a, err := scanAccount(db.GetExecutor(ctx).QueryRow(ctx, query, address))
	if err != nil {
		return nil, postgres.Classify("get account "+address, err)
	}
	return a, nil
}

// Remove relies on ON DELETE CASCADE for the unstable rows.
func (db *DB) Remove(ctx context.Context, address string) error {
	tag, err := db.GetExecutor(ctx).Exec(ctx, `DELETE FROM account WHERE address = $1`, address)
	if err != nil {
		return postgres.Classify("remove account "+address, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFoundf("account %s not found", address)
	}
	return nil
}

// lockAccount reads the account with a row lock; ctx must carry a transaction.
func (db *DB) lockAccount(ctx context.Context, address string) (*ledger.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM account WHERE address = $1 FOR UPDATE`
	a, err := scanAccount(db.GetExecutor(ctx).QueryRow(ctx, query, address))
	if err != nil {
		return nil, postgres.Classify("lock account "+address, err)
	}
	return a, nil
}

func (db *DB) AdvanceHead(ctx context.Context, address string, from ledger.Checkpoint, head int64, hash string) error {
	return db.InTx(ctx, func(ctx context.Context) error {
		cur, err := db.lockAccount(ctx, address)
		if err != nil {
			return err
		}
		if err := ledger.CheckAdvance(cur, from, head, hash); err != nil {
			return err
		}
		if head == cur.Head {
			return nil
		}

		exec := db.GetExecutor(ctx)
		tag, err := exec.Exec(ctx,
			`UPDATE account SET head = $2, hash = $3, updated_at = NOW()
			 WHERE address = $1 AND head = $4 AND hash = $5`,
			address, head, hash, from.Head, from.Hash)
		if err != nil {
			return postgres.Classify("advance head "+address, err)
		}
		if tag.RowsAffected() == 0 {
			return errs.Conflictf("checkpoint of %s moved during advance", address)
		}
		if _, err := exec.Exec(ctx,
			`DELETE FROM unstable_account WHERE address = $1 AND sequence <= $2`,
			address, head); err != nil {
			return postgres.Classify("prune unstable "+address, err)
		}
		return nil
	})
}

func (db *DB) ResetHead(ctx context.Context, address string, head int64, hash string, needScan bool) error {
	return db.InTx(ctx, func(ctx context.Context) error {
		if _, err := db.lockAccount(ctx, address); err != nil {
			return err
		}

		exec := db.GetExecutor(ctx)
		if _, err := exec.Exec(ctx,
			`UPDATE account SET head = $2, hash = $3, need_scan = $4, updated_at = NOW() WHERE address = $1`,
			address, head, hash, needScan); err != nil {
			return postgres.Classify("reset head "+address, err)
		}
		if _, err := exec.Exec(ctx, `DELETE FROM unstable_account WHERE address = $1`, address); err != nil {
			return postgres.Classify("drop unstable "+address, err)
		}
		return nil
	})
}

func (db *DB) SetCreated(ctx context.Context, address string, head int64, hash string) error {
	return db.updateOne(ctx, "set created "+address,
		`UPDATE account SET create_head = $2, create_hash = $3, updated_at = NOW() WHERE address = $1`,
		address, head, hash)
}

func (db *DB) SetNeedScan(ctx context.Context, address string, flag bool) error {
	return db.updateOne(ctx, "set need_scan "+address,
		`UPDATE account SET need_scan = $2, updated_at = NOW() WHERE address = $1`,
		address, flag)
}

func (db *DB) updateOne(ctx context.Context, op, query string, address string, args ...any) error {
	tag, err := db.GetExecutor(ctx).Exec(ctx, query, append([]any{address}, args...)...)
	if err != nil {
		return postgres.Classify(op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFoundf("account %s not found", address)
	}
	return nil
}

func (db *DB) Oldest(ctx context.Context, limit int) ([]*ledger.Account, error) {
	return db.queryAccounts(ctx, "oldest accounts",
		`SELECT `+accountColumns+` FROM account ORDER BY head ASC, address ASC LIMIT $1`, limit)
}

func (db *DB) NeedingScan(ctx context.Context, limit int) ([]*ledger.Account, error) {
	return db.queryAccounts(ctx, "accounts needing scan",
		`SELECT `+accountColumns+` FROM account WHERE need_scan ORDER BY head ASC, address ASC LIMIT $1`, limit)
}

func (db *DB) WithHeadAtLeast(ctx context.Context, start int64) ([]*ledger.Account, error) {
	return db.queryAccounts(ctx, "accounts with head at least",
		`SELECT `+accountColumns+` FROM account WHERE head >= $1 ORDER BY head ASC, address ASC`, start)
}

func (db *DB) queryAccounts(ctx context.Context, op, query string, args ...any) ([]*ledger.Account, error) {
	rows, err := db.GetExecutor(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, postgres.Classify(op, err)
	}
	defer rows.Close()

	out := make([]*ledger.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, postgres.Classify(op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Classify(op, err)
	}
	return out, nil
}
