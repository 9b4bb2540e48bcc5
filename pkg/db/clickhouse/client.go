// Package clickhouse stores the scan event audit log.
package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/retry"
	"github.com/iron-fish/oreowallet-mono/pkg/utils"
)

const defaultDSN = "clickhouse://localhost:9000"

type Client struct {
	Logger   *zap.Logger
	Db       driver.Conn
	Database string
}

// Options turns dsn into driver options with pool settings from the
// CLICKHOUSE_* variables. Several hosts may be listed comma separated;
// connection_open_strategy=round_robin|random|in_order picks between them.
// A non-empty database overrides the DSN path.
func Options(dsn, database string) (*clickhouse.Options, error) {
	if dsn == "" {
		dsn = utils.Env("CLICKHOUSE_ADDR", defaultDSN)
	}
	if !strings.Contains(dsn, "://") {
		dsn = "clickhouse://" + dsn
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse clickhouse dsn: %w", err)
	}
	if database != "" {
		opts.Auth.Database = database
	}
	if opts.Auth.Database == "" {
		opts.Auth.Database = "default"
	}
	if opts.Auth.Username == "" {
		opts.Auth.Username = "default"
	}
	opts.DialTimeout = 30 * time.Second
	opts.MaxOpenConns = utils.EnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 10)
	opts.MaxIdleConns = utils.EnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 5)
	opts.ConnMaxLifetime = utils.EnvDuration("CLICKHOUSE_CONN_MAX_LIFETIME", time.Hour)
	if opts.Compression == nil {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	return opts, nil
}

// New connects, creating the target database on first use.
func New(ctx context.Context, logger *zap.Logger, dsn, database string) (*Client, error) {
	opts, err := Options(dsn, database)
	if err != nil {
		return nil, err
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		opts.Debugf = logger.Named("clickhouse.driver").Sugar().Debugf
	}
	connCtx, cancel := context.WithTimeout(ctx, utils.EnvDuration("CLICKHOUSE_CONNECT_TIMEOUT", 2*time.Minute))
	defer cancel()

	target := opts.Auth.Database
	if target != "default" {
		// the database may not exist yet, so create it through "default"
		bootstrap := *opts
		bootstrap.Auth.Database = "default"
		conn, err := dial(connCtx, logger, &bootstrap)
		if err != nil {
			return nil, err
		}
		logger.Info("Creating database", zap.String("database", target))
		err = conn.Exec(connCtx, "CREATE DATABASE IF NOT EXISTS "+SanitizeName(target))
		_ = conn.Close()
		if err != nil {
			return nil, fmt.Errorf("create database %s: %w", target, err)
		}
	}

	conn, err := dial(connCtx, logger, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("ClickHouse connection configured",
		zap.String("database", target),
		zap.Strings("addr", opts.Addr))
	return &Client{Logger: logger, Db: conn, Database: target}, nil
}

func dial(ctx context.Context, logger *zap.Logger, opts *clickhouse.Options) (driver.Conn, error) {
	return retry.Value(ctx, retry.StartupConfig(), logger, "clickhouse_connection", func() (driver.Conn, error) {
		conn, err := clickhouse.Open(opts)
		if err != nil {
			return nil, fmt.Errorf("open clickhouse: %w", err)
		}
		if err := conn.Ping(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("ping clickhouse: %w", err)
		}
		return conn, nil
	})
}

func (c *Client) Exec(ctx context.Context, query string, args ...interface{}) error {
	return c.Db.Exec(ctx, query, args...)
}

// SanitizeName keeps [A-Za-z0-9_] and replaces everything else with '_'.
func SanitizeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, id)
}

func (c *Client) Close() error {
	if c.Db == nil {
		return nil
	}
	return c.Db.Close()
}
