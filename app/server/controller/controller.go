package controller

import (
	"crypto/sha256"
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/app/server/types"
	"github.com/iron-fish/oreowallet-mono/pkg/errs"
	"github.com/iron-fish/oreowallet-mono/pkg/utils"
)

type Controller struct {
	App        *types.App
	AdminToken string
	AuthUser   string
	// AuthHash is the bcrypt hash of the admin password; login is disabled when empty.
	AuthHash  []byte
	JWTSecret []byte
}

// NewController returns a new controller.
func NewController(app *types.App) (*Controller, error) {
	cfg := app.Config
	c := &Controller{
		App:        app,
		AdminToken: cfg.AdminToken,
		AuthUser:   cfg.AdminUser,
		JWTSecret:  []byte(cfg.JWTSecret),
	}
	if cfg.AdminPassword != "" {
		hash, err := utils.HashOrRead(cfg.AdminPassword)
		if err != nil {
			return nil, errs.New(errs.KindFatal, "hash admin password", err)
		}
		c.AuthHash = hash
	}
	if len(c.JWTSecret) == 0 {
		sum := sha256.Sum256([]byte("oreo-session:" + cfg.SecretKey))
		c.JWTSecret = sum[:]
	}
	return c, nil
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes of the gateway.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.HandleFunc("/healthCheck", c.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/latestBlock", c.HandleLatestBlock).Methods(http.MethodGet)

	// Account lifecycle
	r.HandleFunc("/import", c.HandleImport).Methods(http.MethodPost)
	r.HandleFunc("/remove", c.HandleRemove).Methods(http.MethodPost)
	r.HandleFunc("/accountStatus", c.HandleAccountStatus).Methods(http.MethodPost)
	r.HandleFunc("/rescan", c.HandleRescan).Methods(http.MethodPost)
	r.HandleFunc("/updateScan", c.HandleUpdateScan).Methods(http.MethodPost)

	// Admin API - Login/Logout
	r.HandleFunc("/auth/login", c.HandleAdminLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", c.HandleAdminLogout).Methods(http.MethodPost)

	r.Handle("/admin/updateHead", c.RequireAuth(http.HandlerFunc(c.HandleUpdateHead))).Methods(http.MethodPost)
	r.Handle("/admin/updateCreated", c.RequireAuth(http.HandlerFunc(c.HandleUpdateCreated))).Methods(http.MethodPost)
	r.Handle("/admin/accounts/oldest", c.RequireAuth(http.HandlerFunc(c.HandleOldest))).Methods(http.MethodGet)
	r.Handle("/admin/accounts", c.RequireAuth(http.HandlerFunc(c.HandleAccountsFrom))).Methods(http.MethodGet)
	r.Handle("/admin/events", c.RequireAuth(http.HandlerFunc(c.HandleEvents))).Methods(http.MethodGet)

	return r, nil
}

// writeError maps the error kind onto an HTTP status.
func (c *Controller) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindInvalid:
		status = http.StatusBadRequest
	case errs.KindUnavailable:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		c.App.Logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
