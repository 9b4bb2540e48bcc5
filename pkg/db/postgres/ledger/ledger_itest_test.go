//go:build itest

package ledger_test

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	pgledger "github.com/iron-fish/oreowallet-mono/pkg/db/postgres/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger/ledgertest"
)

var (
	// Shared across tests; every test gets its own database inside it.
	pgContainer     *postgres.PostgresContainer
	pgContainerOnce sync.Once
	pgContainerErr  error

	pgInitTimeout      = 2 * time.Minute
	pgTerminateTimeout = time.Minute
)

func TestMain(m *testing.M) {
	code := m.Run()

	if pgContainer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), pgTerminateTimeout)
		defer cancel()
		if err := pgContainer.Terminate(ctx); err != nil {
			fmt.Printf("failed to terminate postgres container: %v\n", err)
		}
	}

	os.Exit(code)
}

func getContainer(ctx context.Context) (*postgres.PostgresContainer, error) {
	pgContainerOnce.Do(func() {
		pgContainer, pgContainerErr = postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("postgres"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategyAndDeadline(
				pgInitTimeout, wait.ForListeningPort("5432/tcp"),
			),
		)
	})
	return pgContainer, pgContainerErr
}

var nonIdent = regexp.MustCompile(`[^a-z0-9_]`)

func newStore(t *testing.T) ledger.Store {
	t.Helper()
	ctx := context.Background()

	container, err := getContainer(ctx)
	require.NoError(t, err)

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dbName := nonIdent.ReplaceAllString(strings.ToLower(t.Name()), "_")
	if len(dbName) > 63 {
		dbName = dbName[:63]
	}

	admin, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer admin.Close()
	_, err = admin.Exec(ctx, "CREATE DATABASE "+dbName)
	require.NoError(t, err)

	store, err := pgledger.New(ctx, zaptest.NewLogger(t),
		strings.Replace(connStr, "/postgres?", "/"+dbName+"?", 1), "test")
	require.NoError(t, err)
	return store
}

func TestPostgresStoreContract(t *testing.T) {
	ledgertest.Run(t, newStore)
}

func TestMigrationsAreIdempotent(t *testing.T) {
	store := newStore(t).(*pgledger.DB)
	defer store.Close()
	require.NoError(t, store.InitializeDB(context.Background()))
}
