// Package postgres holds the pgx pool shared by the PostgreSQL ledger and
// the mapping of driver errors onto the errs taxonomy.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/retry"
	"github.com/iron-fish/oreowallet-mono/pkg/utils"
)

// Executor is satisfied by both *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// PoolConfig sizes the pool of one service.
type PoolConfig struct {
	MinConns int32
	MaxConns int32
}

// The coordinator holds one connection per in-flight verification, the
// gateway only serves short requests.
var poolSizes = map[string]PoolConfig{
	"dservice": {MinConns: 4, MaxConns: 32},
	"server":   {MinConns: 2, MaxConns: 10},
}

// PoolFor returns the pool size of component.
func PoolFor(component string) PoolConfig {
	if p, ok := poolSizes[component]; ok {
		return p
	}
	return PoolConfig{MinConns: 2, MaxConns: 20}
}

// New connects to url (POSTGRES_URL when empty), retrying until the database
// answers a ping or POSTGRES_CONNECT_TIMEOUT elapses.
func New(ctx context.Context, logger *zap.Logger, url string, pool PoolConfig) (Client, error) {
	if url == "" {
		url = utils.Env("POSTGRES_URL", "postgres://localhost:5432/oreowallet")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return Client{}, errs.Fatalf("parse postgres url: %v", err)
	}
	cfg.MinConns = pool.MinConns
	cfg.MaxConns = pool.MaxConns
	cfg.MaxConnLifetime = utils.EnvDuration("POSTGRES_CONN_MAX_LIFETIME", time.Hour)
	cfg.MaxConnIdleTime = 2 * time.Minute

	connCtx, cancel := context.WithTimeout(ctx, utils.EnvDuration("POSTGRES_CONNECT_TIMEOUT", 2*time.Minute))
	defer cancel()
	p, err := retry.Value(connCtx, retry.StartupConfig(), logger, "postgres_connection", func() (*pgxpool.Pool, error) {
		p, err := pgxpool.NewWithConfig(connCtx, cfg)
		if err != nil {
			return nil, fmt.Errorf("create pool: %w", err)
		}
		if err := p.Ping(connCtx); err != nil {
			p.Close()
			return nil, fmt.Errorf("ping: %w", err)
		}
		return p, nil
	})
	if err != nil {
		return Client{}, errs.New(errs.KindFatal, "postgres unreachable", err)
	}

	logger.Info("PostgreSQL connection pool configured",
		zap.String("database", cfg.ConnConfig.Database),
		zap.Int32("min_conns", cfg.MinConns),
		zap.Int32("max_conns", cfg.MaxConns))
	return Client{Logger: logger, Pool: p}, nil
}

func (c *Client) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

type txKey struct{}

// GetExecutor returns the transaction carried by ctx, or the pool.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

// InTx runs fn in a transaction whose handle travels in ctx, so helpers
// using GetExecutor join it. A nested call reuses the outer transaction.
func (c *Client) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	return pgx.BeginFunc(ctx, c.Pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
)

// Classify maps a driver error onto the errs taxonomy. Errors that are already
// classified pass through.
func Classify(op string, err error) error {
	if err == nil || errs.KindOf(err) != errs.KindUnknown {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.New(errs.KindNotFound, op+": not found", err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return errs.New(errs.KindConflict, op+": already exists", err)
		case codeForeignKeyViolation:
			return errs.New(errs.KindNotFound, op+": owner missing", err)
		case codeSerialization, codeDeadlock:
			return errs.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	// network failures, pool exhaustion and deadlines
	return errs.Unavailable(op, err)
}
