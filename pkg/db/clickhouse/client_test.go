package clickhouse

import (
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFromDSN(t *testing.T) {
	opts, err := Options("clickhouse://alice:s3cret@h1:9000,h2:9000/audit?connection_open_strategy=round_robin", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1:9000", "h2:9000"}, opts.Addr)
	assert.Equal(t, "alice", opts.Auth.Username)
	assert.Equal(t, "s3cret", opts.Auth.Password)
	assert.Equal(t, "audit", opts.Auth.Database)
	assert.Equal(t, clickhouse.ConnOpenRoundRobin, opts.ConnOpenStrategy)
	require.NotNil(t, opts.Compression)
	assert.Equal(t, clickhouse.CompressionLZ4, opts.Compression.Method)
}

func TestOptionsDefaults(t *testing.T) {
	t.Setenv("CLICKHOUSE_MAX_OPEN_CONNS", "3")
	t.Setenv("CLICKHOUSE_CONN_MAX_LIFETIME", "10m")

	opts, err := Options("localhost:9000", "oreowallet")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9000"}, opts.Addr)
	assert.Equal(t, "default", opts.Auth.Username)
	assert.Equal(t, "oreowallet", opts.Auth.Database)
	assert.Equal(t, 3, opts.MaxOpenConns)
	assert.Equal(t, 10*time.Minute, opts.ConnMaxLifetime)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "oreo_audit_1", SanitizeName("oreo-audit.1"))
}
