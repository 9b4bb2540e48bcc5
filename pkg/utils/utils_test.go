package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("OREO_INT", "42")
	t.Setenv("OREO_BAD_INT", "-3")
	t.Setenv("OREO_DUR", "1500ms")
	t.Setenv("OREO_LIST", " a, ,b ,c")

	assert.Equal(t, "def", Env("OREO_MISSING", "def"))
	assert.Equal(t, 42, EnvInt("OREO_INT", 1))
	assert.Equal(t, 1, EnvInt("OREO_BAD_INT", 1))
	assert.Equal(t, int64(42), EnvInt64("OREO_INT", 0))
	assert.Equal(t, 1500*time.Millisecond, EnvDuration("OREO_DUR", time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, EnvList("OREO_LIST"))
	assert.Nil(t, EnvList("OREO_MISSING"))
}

func TestDedup(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, Dedup([]string{"http://a/", "http://b", "http://a"}))
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "0123456789", Prefix("0123456789abcdef", 10))
	assert.Equal(t, "abc", Prefix("abc", 10))
}

func TestHashOrRead(t *testing.T) {
	h, err := HashOrRead("secret")
	require.NoError(t, err)
	again, err := HashOrRead(string(h))
	require.NoError(t, err)
	assert.Equal(t, h, again)
}
