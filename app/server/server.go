package server

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/app/server/controller"
	"github.com/iron-fish/oreowallet-mono/app/server/types"
)

// NewServer builds the HTTP server of the account gateway.
func NewServer(app *types.App) error {
	ctler, err := controller.NewController(app)
	if err != nil {
		return err
	}
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	handler := http.TimeoutHandler(controller.WithCORS(router), app.Config.RequestTimeout, `{"error":"request timeout"}`)
	app.Server = &http.Server{
		Addr:              app.Config.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", app.Config.Listen))

	return nil
}
