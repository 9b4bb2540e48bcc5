package ledger

import (
	"context"

	"github.com/iron-fish/oreowallet-mono/pkg/db/postgres"
	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
)

func (db *DB) GetUnstable(ctx context.Context, address string, sequence int64) (*ledger.UnstableAccount, error) {
	row := ledger.UnstableAccount{Address: address, Sequence: sequence}
	err := db.GetExecutor(ctx).QueryRow(ctx,
		`SELECT hash, parent_hash FROM unstable_account WHERE address = $1 AND sequence = $2`,
		address, sequence).Scan(&row.Hash, &row.ParentHash)
	if err != nil {
		return nil, postgres.Classify("get unstable", err)
	}
	return &row, nil
}

// PutUnstable upserts; the foreign key turns a missing owner into NotFound.
func (db *DB) PutUnstable(ctx context.Context, row *ledger.UnstableAccount) error {
	query := `
		INSERT INTO unstable_account (address, sequence, hash, parent_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (address, sequence) DO UPDATE
		SET hash = EXCLUDED.hash, parent_hash = EXCLUDED.parent_hash
	`
	_, err := db.GetExecutor(ctx).Exec(ctx, query, row.Address, row.Sequence, row.Hash, row.ParentHash)
	return postgres.Classify("put unstable "+row.Address, err)
}

func (db *DB) DeleteUnstable(ctx context.Context, address string, sequence int64) error {
	tag, err := db.GetExecutor(ctx).Exec(ctx,
		`DELETE FROM unstable_account WHERE address = $1 AND sequence = $2`, address, sequence)
	if err != nil {
		return postgres.Classify("delete unstable "+address, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFoundf("unstable row %s@%d not found", address, sequence)
	}
	return nil
}

func (db *DB) ListUnstable(ctx context.Context, address string) ([]*ledger.UnstableAccount, error) {
	rows, err := db.GetExecutor(ctx).Query(ctx,
		`SELECT sequence, hash, parent_hash FROM unstable_account WHERE address = $1 ORDER BY sequence ASC`,
		address)
	if err != nil {
		return nil, postgres.Classify("list unstable "+address, err)
	}
	defer rows.Close()

	out := make([]*ledger.UnstableAccount, 0)
	for rows.Next() {
		r := ledger.UnstableAccount{Address: address}
		if err := rows.Scan(&r.Sequence, &r.Hash, &r.ParentHash); err != nil {
			return nil, postgres.Classify("list unstable "+address, err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, postgres.Classify("list unstable "+address, err)
	}
	return out, nil
}
