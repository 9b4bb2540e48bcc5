package dservice

import (
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/metrics"
	"github.com/iron-fish/oreowallet-mono/pkg/session"
)

// SetupServer builds the worker and REST servers.
func (a *App) SetupServer() {
	workers := mux.NewRouter()
	workers.HandleFunc("/", a.Coordinator.HandleWebSocket).Methods(http.MethodGet)
	workers.HandleFunc("/ws", a.Coordinator.HandleWebSocket).Methods(http.MethodGet)
	a.WorkerServer = &http.Server{
		Addr:              a.Config.DListen,
		Handler:           workers,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.RestServer = &http.Server{
		Addr:              a.Config.Restful,
		Handler:           a.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter returns the REST routes of the coordinator.
func (a *App) NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthCheck", a.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.HandleReady).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/sessions", a.HandleSessions).Methods(http.MethodGet)
	r.HandleFunc("/dispatch", a.HandleDispatch).Methods(http.MethodPost)
	return r
}

func (a *App) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": len(a.Coordinator.Sessions()),
		"locks":    a.Coordinator.Len(),
	})
}

// HandleReady checks the ledger and the node.
func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	ctx := r.Context()
	if _, err := a.Ledger.Oldest(ctx, 1); err != nil {
		a.unavailable(w, "ledger", err)
		return
	}
	info, err := a.Node.LatestBlock(ctx)
	if err != nil {
		a.unavailable(w, "node", err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"latest": int64(info.Latest.Index),
	})
}

func (a *App) HandleSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	sessions := a.Coordinator.Sessions()
	if sessions == nil {
		sessions = []session.Info{}
	}
	_ = json.NewEncoder(w).Encode(sessions)
}

// HandleDispatch runs one dispatch round immediately.
func (a *App) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	assigned, err := a.Coordinator.Dispatch(r.Context())
	if err != nil {
		a.unavailable(w, "dispatch", err)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]int{"assigned": assigned})
}

func (a *App) unavailable(w http.ResponseWriter, component string, err error) {
	a.Logger.Warn("Coordinator request failed", zap.String("component", component), zap.Error(err))
	status := http.StatusInternalServerError
	if errs.Retryable(err) {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": component + ": " + err.Error()})
}
