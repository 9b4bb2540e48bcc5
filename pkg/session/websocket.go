package session

import (
	"context"
	"errors"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// workers authenticate with the challenge, not the origin
		return true
	},
}

// wsConn adapts a websocket to Conn. Every successful read pushes the read
// deadline forward; pongs do the same.
type wsConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func newWSConn(conn *websocket.Conn) (*wsConn, error) {
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return nil, err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return &wsConn{conn: conn}, nil
}

func (w *wsConn) ReadJSON(v any) error {
	if err := w.conn.ReadJSON(v); err != nil {
		return err
	}
	return w.conn.SetReadDeadline(time.Now().Add(readTimeout))
}

func (w *wsConn) WriteJSON(v any) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.conn.WriteJSON(v)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

func (w *wsConn) ping() error {
	return w.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeTimeout))
}

// HandleWebSocket upgrades a worker connection and serves it until it closes.
func (c *Coordinator) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	ws, err := newWSConn(conn)
	if err != nil {
		c.logger.Error("Failed to set read deadline", zap.Error(err))
		_ = conn.Close()
		return
	}

	logger := c.logger.With(zap.String("remote_addr", r.RemoteAddr))
	logger.Info("Worker connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("Panic in ping ticker goroutine",
					zap.Any("panic", rec),
					zap.String("stack", string(debug.Stack())))
				cancel()
			}
		}()
		sendPings(ctx, ws, logger)
	}()

	err = c.Serve(ctx, ws)
	if !IsClosed(err) && !websocket.IsCloseError(errors.Unwrap(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Warn("Worker connection ended", zap.Error(err))
	}
	logger.Info("Worker disconnected")
}

func sendPings(ctx context.Context, ws *wsConn, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}
