//go:build itest

package ledger_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap/zaptest"

	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger/ledgertest"
	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
	redisledger "github.com/iron-fish/oreowallet-mono/pkg/redis/ledger"
)

var (
	redisContainer     *tcredis.RedisContainer
	redisContainerOnce sync.Once
	redisContainerErr  error

	// each test takes its own logical database; redis ships with 16
	nextDB   = 0
	nextDBMu sync.Mutex
)

func TestMain(m *testing.M) {
	code := m.Run()

	if redisContainer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := redisContainer.Terminate(ctx); err != nil {
			fmt.Printf("failed to terminate redis container: %v\n", err)
		}
	}

	os.Exit(code)
}

func newStore(t *testing.T) ledger.Store {
	t.Helper()
	ctx := context.Background()

	redisContainerOnce.Do(func() {
		redisContainer, redisContainerErr = tcredis.Run(ctx, "redis:7-alpine")
	})
	require.NoError(t, redisContainerErr)

	uri, err := redisContainer.ConnectionString(ctx)
	require.NoError(t, err)
	parsed, err := goredis.ParseURL(uri)
	require.NoError(t, err)

	nextDBMu.Lock()
	db := nextDB % 16
	nextDB++
	nextDBMu.Unlock()

	logger := zaptest.NewLogger(t)
	store, err := redisledger.Open(ctx, logger, oreoredis.Options{Addr: parsed.Addr, DB: db})
	require.NoError(t, err)

	// start from an empty keyspace
	client, err := oreoredis.NewClient(ctx, logger, oreoredis.Options{Addr: parsed.Addr, DB: db})
	require.NoError(t, err)
	require.NoError(t, client.GetClient().FlushDB(ctx).Err())
	require.NoError(t, client.Close())
	return store
}

func TestRedisStoreContract(t *testing.T) {
	ledgertest.Run(t, newStore)
}
