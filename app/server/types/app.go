package types

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/config"
	"github.com/iron-fish/oreowallet-mono/pkg/events"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
	"github.com/iron-fish/oreowallet-mono/pkg/rpc"
)

// EventLog reads the audited scan events of an account.
type EventLog interface {
	RecentEvents(ctx context.Context, address string, limit int) ([]events.Event, error)
	Close() error
}

type App struct {
	Config *config.Server

	// Ledger is the account store shared with the coordinator.
	Ledger ledger.Store
	Node   rpc.Node

	// Notifier announces account lifecycle changes; Nop without Redis.
	Notifier events.Notifier
	Redis    *oreoredis.Client
	// EventLog is nil unless ClickHouse is configured.
	EventLog EventLog

	// Zap Logger
	Logger *zap.Logger
	// Server represents the HTTP server instance used to handle incoming client requests and manage HTTP routes.
	Server *http.Server
}

// Start starts the application.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)

	if err := a.Ledger.Close(); err != nil {
		a.Logger.Error("Failed to close the account ledger", zap.Error(err))
	}
	if a.EventLog != nil {
		if err := a.EventLog.Close(); err != nil {
			a.Logger.Error("Failed to close ClickHouse connection", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("Failed to close Redis connection", zap.Error(err))
		}
	}

	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("さようなら!")
}
