// Package config parses process flags. Every flag has an environment twin and
// a .env file in the working directory is loaded first.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/db/clickhouse"
	pgledger "github.com/iron-fish/oreowallet-mono/pkg/db/postgres/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
	redisledger "github.com/iron-fish/oreowallet-mono/pkg/redis/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/rpc"
	"github.com/iron-fish/oreowallet-mono/pkg/session"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Common holds the settings shared by both services.
type Common struct {
	Node        []string      `short:"n" long:"node" env:"NODE" env-delim:"," default:"127.0.0.1:9092" description:"Node RPC endpoints, tried in order"`
	NodeTimeout time.Duration `long:"node-timeout" env:"NODE_TIMEOUT" default:"15s" description:"Per request node timeout"`
	GenesisHash string        `long:"genesis-hash" env:"NETWORK_GENESIS_HASH" description:"Abort when the node reports a different genesis block"`

	LogLevel string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"debug, info, warn or error"`

	Ledger      string `long:"ledger" env:"LEDGER_BACKEND" default:"postgres" choice:"postgres" choice:"redis" choice:"memory" description:"Account ledger backend"`
	PostgresURL string `long:"dbconfig" env:"POSTGRES_URL" description:"PostgreSQL connection string"`

	Redis         bool   `long:"redis" env:"REDIS_ENABLED" description:"Publish scan events on Redis"`
	RedisAddr     string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address, REDIS_HOST:REDIS_PORT when empty"`
	RedisPassword string `long:"redis-password" env:"REDIS_PASSWORD"`
	RedisDB       int    `long:"redis-db" env:"REDIS_DB" default:"0"`

	ClickHouseDSN string `long:"clickhouse" env:"CLICKHOUSE_ADDR" description:"ClickHouse DSN for the scan event audit log, disabled when empty"`
	ClickHouseDB  string `long:"clickhouse-db" env:"CLICKHOUSE_DB" default:"oreowallet"`

	SecretKey string `long:"secret-key" env:"SECRET_KEY" description:"32 byte secp256k1 secret key in hex"`
	PublicKey string `long:"public-key" env:"PUBLIC_KEY" description:"33 byte compressed public key in hex"`
}

// DService configures the scan coordinator.
type DService struct {
	Common

	DListen string `long:"dlisten" env:"DLISTEN" default:"0.0.0.0:10001" description:"Address workers connect to"`
	Restful string `long:"restful" env:"RESTFUL" default:"0.0.0.0:20001" description:"Address of the health and metrics endpoints"`

	DispatchCron string        `long:"dispatch-cron" env:"DISPATCH_CRON" default:"*/5 * * * * *" description:"Dispatch schedule, with seconds"`
	JanitorCron  string        `long:"janitor-cron" env:"JANITOR_CRON" default:"*/15 * * * * *" description:"Job expiry schedule, with seconds"`
	JobTimeout   time.Duration `long:"job-timeout" env:"JOB_TIMEOUT" default:"5m"`
	CallTimeout  time.Duration `long:"call-timeout" env:"CALL_TIMEOUT" default:"10s"`

	MaxJobSpan     int64 `long:"max-job-span" env:"MAX_JOB_SPAN" default:"10000"`
	MaxRewindDepth int64 `long:"max-rewind-depth" env:"MAX_REWIND_DEPTH" default:"10"`
	DispatchBatch  int   `long:"dispatch-batch" env:"DISPATCH_BATCH" default:"64"`

	WorkerKeys []string `long:"worker-key" env:"WORKER_KEYS" env-delim:"," description:"Public keys allowed to take jobs, the coordinator key when empty"`
}

// Server configures the account API gateway.
type Server struct {
	Common

	Listen         string        `short:"l" long:"listen" env:"LISTEN" default:"0.0.0.0:9093"`
	RequestTimeout time.Duration `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"30s"`
	OriginTag      uint32        `long:"origin-tag" env:"ORIGIN_TAG" default:"0" description:"Tag stored with every imported account"`

	AdminToken    string `long:"admin-token" env:"ADMIN_TOKEN" description:"Static bearer token for admin routes"`
	AdminUser     string `long:"admin-user" env:"ADMIN_USER" default:"admin"`
	AdminPassword string `long:"admin-password" env:"ADMIN_PASSWORD" description:"Plain or bcrypt admin password, login disabled when empty"`
	JWTSecret     string `long:"jwt-secret" env:"JWT_SECRET" description:"Session cookie signing secret, derived from the secret key when empty"`
}

// Parse loads .env and parses args into cfg.
func Parse(args []string, cfg any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	parser := flags.NewParser(cfg, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return err
		}
		return errs.New(errs.KindFatal, "parse flags", err)
	}
	return nil
}

// IsHelp reports whether Parse stopped for --help.
func IsHelp(err error) bool {
	var ferr *flags.Error
	return errors.As(err, &ferr) && ferr.Type == flags.ErrHelp
}

// KeyPair decodes and cross-checks the secp256k1 key pair.
func (c *Common) KeyPair() (*session.KeyPair, error) {
	return session.ParseKeyPair(c.SecretKey, c.PublicKey)
}

// NodeOpts builds the node client options.
func (c *Common) NodeOpts() rpc.Opts {
	return rpc.Opts{
		Endpoints: c.Node,
		Timeout:   c.NodeTimeout,
	}
}

// RedisOptions returns the Redis settings. An empty address falls back to
// the REDIS_* variables.
func (c *Common) RedisOptions() oreoredis.Options {
	return oreoredis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}
}

// OpenLedger connects the configured ledger backend.
func (c *Common) OpenLedger(ctx context.Context, logger *zap.Logger, component string) (ledger.Store, error) {
	switch strings.ToLower(c.Ledger) {
	case BackendPostgres, "":
		return pgledger.New(ctx, logger, c.PostgresURL, component)
	case BackendRedis:
		return redisledger.Open(ctx, logger, c.RedisOptions())
	case BackendMemory:
		logger.Warn("Using the in-memory ledger, state is lost on restart")
		return ledger.NewMemoryStore(), nil
	}
	return nil, errs.Fatalf("unknown ledger backend %q", c.Ledger)
}

// OpenEventStore connects the ClickHouse audit log; nil when not configured.
func (c *Common) OpenEventStore(ctx context.Context, logger *zap.Logger) (*clickhouse.EventStore, error) {
	if c.ClickHouseDSN == "" {
		return nil, nil
	}
	return clickhouse.NewEventStore(ctx, logger, c.ClickHouseDSN, c.ClickHouseDB)
}
