package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionsFallBackToEnv(t *testing.T) {
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "3")

	o := Options{Password: "pw"}.withDefaults()
	assert.Equal(t, "cache:6380", o.Addr)
	assert.Equal(t, "pw", o.Password)
	assert.Equal(t, 3, o.DB)
	assert.Equal(t, 20, o.PoolSize)
	assert.Equal(t, int64(DefaultStreamMaxLen), o.StreamMaxLen)
}

func TestOptionsExplicit(t *testing.T) {
	o := Options{Addr: "redis:6379", DB: 1, PoolSize: 5, StreamMaxLen: -1}.withDefaults()
	assert.Equal(t, "redis:6379", o.Addr)
	assert.Equal(t, 5, o.PoolSize)
	assert.Equal(t, int64(-1), o.StreamMaxLen)
}
