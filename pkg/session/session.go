// Package session runs authenticated worker sessions and hands out scan jobs
// under a per-address lock.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iron-fish/oreowallet-mono/pkg/metrics"
	"github.com/iron-fish/oreowallet-mono/pkg/scan"
)

// Conn is a framed, bidirectional worker connection.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// State is the lifecycle stage of a session.
type State int

const (
	StateConnected State = iota
	StateIdle
	StateAssigned
	StateAwaitingReport
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateAssigned:
		return "assigned"
	case StateAwaitingReport:
		return "awaiting_report"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session is one worker connection.
type Session struct {
	ID        string
	PublicKey string

	conn   Conn
	send   chan Frame
	logger *zap.Logger

	mu           sync.Mutex
	state        State
	job          *scan.Job
	inflight     bool
	lastActivity time.Time
	closeOnce    sync.Once
	done         chan struct{}
}

func newSession(id string, conn Conn, sendBuffer int, logger *zap.Logger) *Session {
	s := &Session{
		ID:     id,
		conn:   conn,
		send:   make(chan Frame, sendBuffer),
		logger: logger.With(zap.String("session", id)),
		state:  StateConnected,
		done:   make(chan struct{}),
	}
	metrics.Sessions.WithLabelValues(StateConnected.String()).Inc()
	return s
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Job returns the outstanding job, if any.
func (s *Session) Job() *scan.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job
}

// setState must be called with mu held.
func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	metrics.Sessions.WithLabelValues(s.state.String()).Dec()
	metrics.Sessions.WithLabelValues(next.String()).Inc()
	s.state = next
}

// enqueue hands a frame to the writer without blocking. False means the
// session is closed or not draining.
func (s *Session) enqueue(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Warn("Send buffer full, dropping frame", zap.String("type", string(f.Type)))
		return false
	}
}

// writeLoop drains the send buffer until the session closes.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case f := <-s.send:
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Error("Failed to write frame", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Closing connection", zap.Error(err))
		}
	})
}
