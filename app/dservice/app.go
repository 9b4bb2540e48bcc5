package dservice

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iron-fish/oreowallet-mono/pkg/config"
	"github.com/iron-fish/oreowallet-mono/pkg/db/clickhouse"
	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/events"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/logging"
	"github.com/iron-fish/oreowallet-mono/pkg/metrics"
	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
	"github.com/iron-fish/oreowallet-mono/pkg/retry"
	"github.com/iron-fish/oreowallet-mono/pkg/rpc"
	"github.com/iron-fish/oreowallet-mono/pkg/scan"
	"github.com/iron-fish/oreowallet-mono/pkg/session"
)

// cronRunTimeout bounds a single cron-driven dispatch round.
const cronRunTimeout = 25 * time.Second

// App is the scan coordinator: it hands block ranges to authenticated worker
// sessions, reconciles what they report, and verifies checkpoints on a cron.
type App struct {
	Config *config.DService

	Ledger ledger.Store
	Node   rpc.Node

	// Redis is optional; when set, scan events are published and account
	// lifecycle events from the gateway trigger a dispatch round.
	Redis *oreoredis.Client
	// EventStore and Auditor are set when both Redis and ClickHouse are configured.
	EventStore *clickhouse.EventStore
	Auditor    *events.Auditor

	Reconciler  *scan.Reconciler
	Scheduler   *scan.Scheduler
	Coordinator *session.Coordinator

	// Cron triggers dispatch and job expiry.
	Cron *cron.Cron

	// WorkerServer accepts worker websocket sessions on DListen.
	WorkerServer *http.Server
	// RestServer serves health, metrics and session introspection on Restful.
	RestServer *http.Server

	Logger *zap.Logger
}

// Initialize connects the ledger and the node and builds the coordinator.
func Initialize(ctx context.Context, cfg *config.DService) *App {
	logger, err := logging.NewWithLevel(cfg.LogLevel)
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}
	logger = logger.With(zap.String("service", "dservice"))

	keys, err := cfg.KeyPair()
	if err != nil {
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
	metrics.LatestSequence.Set(float64(info.Latest.Index))

	store, err := cfg.OpenLedger(ctx, logger, "dservice")
	if err != nil {
		logger.Fatal("Unable to open the account ledger", zap.String("backend", cfg.Ledger), zap.Error(err))
	}
	if err := ledger.VerifyGenesis(ctx, store, info.Genesis.Hash); err != nil {
		logger.Fatal("Ledger and node disagree on the network", zap.Error(err))
	}

	app := &App{
		Config: cfg,
		Ledger: store,
		Node:   node,
		Logger: logger,
	}

	notifiers := events.Multi{}
	if cfg.Redis {
		app.Redis, err = oreoredis.NewClient(ctx, logger, cfg.RedisOptions())
		if err != nil {
			logger.Warn("Failed to initialize Redis client - scan events will not be published",
				zap.Error(err))
			app.Redis = nil
		} else {
			notifiers = append(notifiers, events.NewRedisNotifier(app.Redis, logger))
		}
	} else {
		logger.Info("Redis disabled - scan events will not be published")
	}

	app.EventStore, err = cfg.OpenEventStore(ctx, logger)
	if err != nil {
		logger.Warn("Failed to initialize ClickHouse - scan events will not be audited", zap.Error(err))
		app.EventStore = nil
	}
	if app.EventStore != nil && app.Redis != nil {
		app.Auditor, err = events.NewAuditor(app.Redis, app.EventStore, "dservice-"+keys.PublicHex()[:8], logger)
		if err != nil {
			logger.Warn("Failed to start the scan event auditor", zap.Error(err))
			app.Auditor = nil
		}
	}

	app.Reconciler = scan.NewReconciler(store, node, notifiers, logger, cfg.MaxRewindDepth)
	app.Scheduler = scan.NewScheduler(store, node, app.Reconciler, logger, scan.SchedulerConfig{
		MaxJobSpan: cfg.MaxJobSpan,
	})
	app.Coordinator = session.New(app.Scheduler, app.Reconciler, keys,
		session.NewAllowList(cfg.WorkerKeys...),
		session.Config{
			JobTimeout:    cfg.JobTimeout,
			CallTimeout:   cfg.CallTimeout,
			DispatchBatch: cfg.DispatchBatch,
		}, logger)

	if err := app.SetupScheduler(ctx); err != nil {
		logger.Fatal("Unable to schedule dispatch", zap.Error(err))
	}
	app.SetupServer()

	return app
}

// SetupScheduler registers the dispatch and janitor ticks.
func (a *App) SetupScheduler(ctx context.Context) error {
	// Seconds field, optional
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cronLogger{a.Logger})))

	_, err := a.Cron.AddFunc(a.Config.DispatchCron, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, cronRunTimeout)
		defer cancel()
		if _, err := a.Coordinator.Dispatch(rctx); err != nil {
			a.Logger.Warn("Scheduled dispatch failed", zap.Error(err))
			metrics.ErrorsTotal.WithLabelValues("dispatch", errs.KindOf(err).String()).Inc()
		}
	})
	if err != nil {
		return err
	}

	_, err = a.Cron.AddFunc(a.Config.JanitorCron, func() {
		if n := a.Coordinator.Expire(); n > 0 {
			a.Logger.Info("Expired stale jobs", zap.Int("expired", n))
			a.Coordinator.Trigger()
		}
	})
	return err
}

// Start runs the servers, the dispatch loop and the optional event consumers
// until ctx is done, then shuts everything down.
func (a *App) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serve(a.WorkerServer) })
	g.Go(func() error { return a.serve(a.RestServer) })
	g.Go(func() error { return a.Coordinator.Run(gctx) })

	if a.Auditor != nil {
		g.Go(func() error {
			if err := a.Auditor.Run(gctx); err != nil && gctx.Err() == nil {
				a.Logger.Error("Scan event auditor stopped", zap.Error(err))
			}
			return nil
		})
	}
	if a.Redis != nil {
		g.Go(func() error {
			events.Watch(gctx, a.Redis, events.AccountPattern, a.Logger, func(ev events.Event) {
				a.Logger.Debug("Account event received",
					zap.String("type", string(ev.Type)),
					zap.String("address", ev.Address))
				a.Coordinator.Trigger()
			})
			return nil
		})
	}

	a.Cron.Start()
	a.Logger.Info("Cron started",
		zap.String("dispatch", a.Config.DispatchCron),
		zap.String("janitor", a.Config.JanitorCron))
	a.Coordinator.Trigger()

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		a.Logger.Error("Coordinator stopped with error", zap.Error(err))
	}
	a.close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}

func (a *App) serve(srv *http.Server) error {
	a.Logger.Info("Starting server", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	a.Coordinator.Shutdown()
	_ = a.WorkerServer.Shutdown(shutdownCtx)
	_ = a.RestServer.Shutdown(shutdownCtx)
}

func (a *App) close() {
	a.Scheduler.Stop()
	if err := a.Ledger.Close(); err != nil {
		a.Logger.Error("Failed to close the account ledger", zap.Error(err))
	}
	if a.EventStore != nil {
		if err := a.EventStore.Close(); err != nil {
			a.Logger.Error("Failed to close ClickHouse connection", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("Failed to close Redis connection", zap.Error(err))
		}
	}
}

// cronLogger adapts zap to cron's logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw("[cron] "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw("[cron] "+msg, append(keysAndValues, "error", err)...)
}
