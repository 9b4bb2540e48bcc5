package dservice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iron-fish/oreowallet-mono/pkg/config"
	"github.com/iron-fish/oreowallet-mono/pkg/events"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger"
	"github.com/iron-fish/oreowallet-mono/pkg/ledger/ledgertest"
	"github.com/iron-fish/oreowallet-mono/pkg/rpc/rpctest"
	"github.com/iron-fish/oreowallet-mono/pkg/scan"
	"github.com/iron-fish/oreowallet-mono/pkg/session"
)

type testApp struct {
	*App
	chain *rpctest.Chain
	store *ledger.MemoryStore
	keys  *session.KeyPair
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	logger := zaptest.NewLogger(t)
	chain := rpctest.NewChain(20)
	store := ledger.NewMemoryStore()
	keys, err := session.GenerateKeyPair()
	require.NoError(t, err)

	cfg := &config.DService{
		DListen:      "127.0.0.1:0",
		Restful:      "127.0.0.1:0",
		DispatchCron: "*/5 * * * * *",
		JanitorCron:  "*/15 * * * * *",
		MaxJobSpan:   100,
	}
	reconciler := scan.NewReconciler(store, chain, events.Nop{}, logger, scan.DefaultMaxRewindDepth)
	scheduler := scan.NewScheduler(store, chain, reconciler, logger, scan.SchedulerConfig{MaxJobSpan: cfg.MaxJobSpan})
	t.Cleanup(scheduler.Stop)

	app := &App{
		Config:      cfg,
		Ledger:      store,
		Node:        chain,
		Reconciler:  reconciler,
		Scheduler:   scheduler,
		Coordinator: session.New(scheduler, reconciler, keys, nil, session.Config{}, logger),
		Logger:      logger,
	}
	require.NoError(t, app.SetupScheduler(context.Background()))
	app.SetupServer()
	return &testApp{App: app, chain: chain, store: store, keys: keys}
}

func (a *testApp) get(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthCheck(t *testing.T) {
	a := newTestApp(t)
	rec, body := a.get(t, http.MethodGet, "/healthCheck")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["locks"])
}

func TestReadyReportsNodeOutage(t *testing.T) {
	a := newTestApp(t)
	rec, body := a.get(t, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 20, body["latest"])

	a.chain.SetDown(true)
	rec, body = a.get(t, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body["error"], "node")
}

func TestSessionsEmpty(t *testing.T) {
	a := newTestApp(t)
	rec := httptest.NewRecorder()
	a.NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestDispatchVerifiesAccountAtHead(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	acct := ledgertest.NewAccount("acct-at-head", 20)
	acct.NeedScan = true
	_, err := a.store.Save(ctx, acct, 0)
	require.NoError(t, err)

	rec, body := a.get(t, http.MethodPost, "/dispatch")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["assigned"])

	got, err := a.store.Get(ctx, "acct-at-head")
	require.NoError(t, err)
	assert.False(t, got.NeedScan)
}

func TestDispatchNodeDown(t *testing.T) {
	a := newTestApp(t)
	a.chain.SetDown(true)
	rec, _ := a.get(t, http.MethodPost, "/dispatch")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	a := newTestApp(t)
	a.Config.DispatchCron = "not a cron"
	assert.Error(t, a.SetupScheduler(context.Background()))
}

func TestWorkerReceivesJobOverWebSocket(t *testing.T) {
	a := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Coordinator.Run(ctx) }()

	_, err := a.store.Save(ctx, ledgertest.NewAccount("acct-behind", 5), 0)
	require.NoError(t, err)

	srv := httptest.NewServer(a.WorkerServer.Handler)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var f session.Frame
	require.NoError(t, ws.ReadJSON(&f))
	require.Equal(t, session.FrameChallenge, f.Type)
	var ch session.Challenge
	require.NoError(t, f.Decode(&ch))
	auth, err := a.keys.Answer(ch)
	require.NoError(t, err)
	reply, err := session.NewFrame(session.FrameAuth, auth)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(reply))

	require.NoError(t, ws.ReadJSON(&f))
	require.Equal(t, session.FrameJob, f.Type)
	var job session.JobAssignment
	require.NoError(t, f.Decode(&job))
	assert.Equal(t, "acct-behind", job.Account.Address)
	assert.Equal(t, "vk-acct-behind", job.Account.VK)
	assert.Equal(t, int64(6), job.Job.From)
	assert.Equal(t, int64(20), job.Job.To)

	require.Eventually(t, func() bool {
		return len(a.Coordinator.Sessions()) == 1 && a.Coordinator.Held("acct-behind")
	}, 2*time.Second, 10*time.Millisecond)
}
