// Package ledger is the PostgreSQL implementation of ledger.Store.
package ledger

import (
	"context"

	"github.com/iron-fish/oreowallet-mono/pkg/db/postgres"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"go.uber.org/zap"
)

// DB is the production ledger store.
type DB struct {
	postgres.Client
}

var _ ledger.Store = (*DB)(nil)

// New connects to url (POSTGRES_URL when empty) and applies the schema migrations.
func New(ctx context.Context, logger *zap.Logger, url string, component string) (*DB, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("store", "postgres"),
		zap.String("component", component),
	), url, postgres.PoolFor(component))
	if err != nil {
		return nil, err
	}

	db := &DB{Client: client}
	if err := db.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return db, nil
}

// InitializeDB brings the schema up to date.
func (db *DB) InitializeDB(ctx context.Context) error {
	db.Logger.Info("Applying ledger migrations")
	if err := ApplyMigrations(db.Pool); err != nil {
		return err
	}
	db.Logger.Info("Ledger schema ready")
	return nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Client.Close()
	return nil
}

func (db *DB) PinGenesis(ctx context.Context, hash string) (string, error) {
	exec := db.GetExecutor(ctx)
	if _, err := exec.Exec(ctx,
		`INSERT INTO ledger_meta (key, value) VALUES ('genesis_hash', $1) ON CONFLICT (key) DO NOTHING`,
		hash); err != nil {
		return "", postgres.Classify("pin genesis", err)
	}
	var pinned string
	if err := exec.QueryRow(ctx, `SELECT value FROM ledger_meta WHERE key = 'genesis_hash'`).Scan(&pinned); err != nil {
		return "", postgres.Classify("read genesis", err)
	}
	return pinned, nil
}
