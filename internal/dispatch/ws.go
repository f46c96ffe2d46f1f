// Package dispatch carries realtime traffic between the engine and
// operator/rider sessions over websockets.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no live session" }

// Session is one connected websocket with serialized writes.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(event)
}

// Registry holds live sessions keyed by participant id (vehicle or
// rider). It satisfies the engine's Notifier interfaces.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{sessions: make(map[string]*Session), logger: logger}
}

func (r *Registry) Add(id string, conn *websocket.Conn) *Session {
	s := &Session{conn: conn}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Notify delivers an event to the participant's session. Lossy by
// design: a missing session is an error the ack sweep recovers from.
func (r *Registry) Notify(id string, event any) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(event); err != nil {
		if r.logger != nil {
			r.logger.Warn("ws send failed", "session_id", id, "error", err)
		}
		return err
	}
	return nil
}
