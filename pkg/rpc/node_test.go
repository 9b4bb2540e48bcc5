package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
)

func chainInfoHandler(t *testing.T, genesis string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, chainInfoPath, r.URL.Path)
		_, _ = w.Write([]byte(`{"status":200,"data":{
			"currentBlockIdentifier":{"index":"120","hash":"h120"},
			"genesisBlockIdentifier":{"index":1,"hash":"` + genesis + `"}}}`))
	}
}

func TestLatestBlock(t *testing.T) {
	server := httptest.NewServer(chainInfoHandler(t, "g0"))
	defer server.Close()

	node := NewNodeClient(Opts{Endpoints: []string{server.URL}})
	info, err := node.LatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Sequence(120), info.Latest.Index)
	assert.Equal(t, "h120", info.Latest.Hash)
	assert.Equal(t, "g0", info.Genesis.Hash)
}

func TestBlockAt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req getBlockRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Sequence > 100 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"No block found"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":200,"data":{"block":{"hash":"h42","sequence":42,"previousBlockHash":"h41"}}}`))
	}))
	defer server.Close()

	node := NewNodeClient(Opts{Endpoints: []string{server.URL}})
	b, err := node.BlockAt(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, &Block{Sequence: 42, Hash: "h42", PreviousBlockHash: "h41"}, b)

	_, err = node.BlockAt(context.Background(), 101)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestFailoverToHealthyEndpoint(t *testing.T) {
	var brokenHits atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokenHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	healthy := httptest.NewServer(chainInfoHandler(t, "g0"))
	defer healthy.Close()

	node := NewNodeClient(Opts{Endpoints: []string{broken.URL, healthy.URL}, BreakerFailures: 2, BreakerCooldown: time.Minute})
	for i := 0; i < 4; i++ {
		_, err := node.LatestBlock(context.Background())
		require.NoError(t, err)
	}
	// the breaker opened after two failures
	assert.Equal(t, int32(2), brokenHits.Load())
}

func TestUnreachableNodeIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	node := NewNodeClient(Opts{Endpoints: []string{url}, Timeout: time.Second})
	_, err := node.LatestBlock(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
}

func TestCheckGenesis(t *testing.T) {
	server := httptest.NewServer(chainInfoHandler(t, "g0"))
	defer server.Close()
	node := NewNodeClient(Opts{Endpoints: []string{server.URL}})
	logger := zaptest.NewLogger(t)

	_, err := CheckGenesis(context.Background(), node, "", logger)
	require.NoError(t, err)
	_, err = CheckGenesis(context.Background(), node, "g0", logger)
	require.NoError(t, err)
	_, err = CheckGenesis(context.Background(), node, "other", logger)
	assert.ErrorIs(t, err, errs.ErrFatal)
}

func TestNormalizeEndpoint(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:9092", normalizeEndpoint("127.0.0.1:9092"))
	assert.Equal(t, "https://node", normalizeEndpoint("https://node"))
}

func TestBucketPacesRequests(t *testing.T) {
	b := newBucket(10, 2)
	now := b.last
	assert.Zero(t, b.reserve(now))
	assert.Zero(t, b.reserve(now))
	assert.Equal(t, 100*time.Millisecond, b.reserve(now))
	assert.Zero(t, b.reserve(now.Add(100*time.Millisecond)))
}

func TestBreakerHalfOpens(t *testing.T) {
	ep := &endpoint{url: "http://node"}
	now := time.Now()
	ep.fail(now, 2, time.Second)
	assert.True(t, ep.available(now))
	ep.fail(now, 2, time.Second)
	assert.False(t, ep.available(now.Add(500*time.Millisecond)))
	assert.True(t, ep.available(now.Add(time.Second)))
}
