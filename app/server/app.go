package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/app/server/types"
	"github.com/iron-fish/oreowallet-mono/pkg/config"
	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/events"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/logging"
	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
	"github.com/iron-fish/oreowallet-mono/pkg/retry"
	"github.com/iron-fish/oreowallet-mono/pkg/rpc"
)

// Initialize initializes the application.
func Initialize(ctx context.Context, cfg *config.Server) *types.App {
	logger, err := logging.NewWithLevel(cfg.LogLevel)
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}
	logger = logger.With(zap.String("service", "server"))

	if _, err := cfg.KeyPair(); err != nil {
		logger.Fatal("Invalid key pair", zap.Error(err))
	}

	node := rpc.NewNodeClient(cfg.NodeOpts())
	genesisCfg := retry.StartupConfig()
	genesisCfg.Retryable = errs.Retryable
	info, err := retry.Value(ctx, genesisCfg, logger, "fetch node chain info", func() (*rpc.ChainInfo, error) {
		return rpc.CheckGenesis(ctx, node, cfg.GenesisHash, logger)
	})
	if err != nil {
		logger.Fatal("Unable to reach the node", zap.Strings("node", cfg.Node), zap.Error(err))
	}
	logger.Info("Serving accounts of network", zap.String("genesis_hash", info.Genesis.Hash))

	store, err := cfg.OpenLedger(ctx, logger, "server")
	if err != nil {
		logger.Fatal("Unable to open the account ledger", zap.String("backend", cfg.Ledger), zap.Error(err))
	}
	if err := ledger.VerifyGenesis(ctx, store, info.Genesis.Hash); err != nil {
		logger.Fatal("Ledger and node disagree on the network", zap.Error(err))
	}

	app := &types.App{
		Config:   cfg,
		Ledger:   store,
		Node:     node,
		Notifier: events.Nop{},
		Logger:   logger,
	}

	// Account events wake the coordinator before its next cron tick (optional)
	if cfg.Redis {
		app.Redis, err = oreoredis.NewClient(ctx, logger, cfg.RedisOptions())
		if err != nil {
			logger.Warn("Failed to initialize Redis client - account events will not be published",
				zap.Error(err))
			app.Redis = nil
		} else {
			app.Notifier = events.NewRedisNotifier(app.Redis, logger)
			logger.Info("Redis client initialized for account events")
		}
	} else {
		logger.Info("Redis disabled - account events will not be published")
	}

	eventStore, err := cfg.OpenEventStore(ctx, logger)
	if err != nil {
		logger.Warn("Failed to initialize ClickHouse - scan history will not be available", zap.Error(err))
	} else if eventStore != nil {
		app.EventLog = eventStore
	}

	return app
}
