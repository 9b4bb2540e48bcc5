package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
)

const secret = "0101010101010101010101010101010101010101010101010101010101010101"

func TestParseDServiceDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", secret)

	var cfg DService
	require.NoError(t, Parse(nil, &cfg))

	assert.Equal(t, "0.0.0.0:10001", cfg.DListen)
	assert.Equal(t, "0.0.0.0:20001", cfg.Restful)
	assert.Equal(t, []string{"127.0.0.1:9092"}, cfg.Node)
	assert.Equal(t, BackendPostgres, cfg.Ledger)
	assert.Equal(t, 5*time.Minute, cfg.JobTimeout)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, int64(10000), cfg.MaxJobSpan)
	assert.Equal(t, int64(10), cfg.MaxRewindDepth)
	assert.Empty(t, cfg.WorkerKeys)

	kp, err := cfg.KeyPair()
	require.NoError(t, err)
	assert.Len(t, kp.PublicHex(), 66)
}

func TestParseFlagsAndEnv(t *testing.T) {
	t.Setenv("SECRET_KEY", secret)
	t.Setenv("WORKER_KEYS", "02aa,03bb")
	t.Setenv("JOB_TIMEOUT", "90s")

	var cfg DService
	require.NoError(t, Parse([]string{"--dlisten", "127.0.0.1:1", "-n", "node-a:9092", "-n", "node-b:9092", "--ledger", "memory"}, &cfg))

	assert.Equal(t, "127.0.0.1:1", cfg.DListen)
	assert.Equal(t, []string{"node-a:9092", "node-b:9092"}, cfg.Node)
	assert.Equal(t, []string{"02aa", "03bb"}, cfg.WorkerKeys)
	assert.Equal(t, 90*time.Second, cfg.JobTimeout)

	store, err := cfg.OpenLedger(context.Background(), zaptest.NewLogger(t), "dservice")
	require.NoError(t, err)
	assert.IsType(t, &ledger.MemoryStore{}, store)
}

func TestParseRejectsBadInput(t *testing.T) {
	t.Setenv("SECRET_KEY", secret)

	var cfg Server
	err := Parse([]string{"--ledger", "sqlite"}, &cfg)
	require.Error(t, err)
	assert.Equal(t, errs.KindFatal, errs.KindOf(err))

	err = Parse([]string{"--help"}, &cfg)
	assert.True(t, IsHelp(err))
}

func TestParseServerDefaults(t *testing.T) {
	t.Setenv("SECRET_KEY", secret)
	t.Setenv("PUBLIC_KEY", "")

	var cfg Server
	require.NoError(t, Parse(nil, &cfg))
	assert.Equal(t, "0.0.0.0:9093", cfg.Listen)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "admin", cfg.AdminUser)

	cfg.SecretKey = "beef"
	_, err := cfg.KeyPair()
	assert.Equal(t, errs.KindFatal, errs.KindOf(err))
}
