// Package server implements the websocket endpoint of the AI/persistence
// collaborator: it extracts structured readings from chat, asks the user to
// confirm them, persists confirmed readings, and serves history and stats
// snapshots.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"glucolog/internal/extraction"
	"glucolog/internal/logging"
	"glucolog/internal/store"
)

const welcomeMessage = "Hi there! How can I help you with tracking your blood sugar today?"

// Server accepts websocket connections and runs one session per connection.
type Server struct {
	store        *store.ReadingStore
	agent        extraction.Agent
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	now          func() time.Time

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

// Option tweaks server construction.
type Option func(*Server)

// WithWriteTimeout bounds every outbound frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithClock overrides the server's notion of "today". Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a server over the given reading store and extraction agent.
func New(st *store.ReadingStore, agent extraction.Agent, opts ...Option) *Server {
	s := &Server{
		store:        st,
		agent:        agent,
		writeTimeout: 10 * time.Second,
		now:          time.Now,
		sessions:     make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the session until the peer
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Get(logging.CategoryServer).Warn("upgrade failed: %v", err)
		return
	}

	sess := newSession(s, conn)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	logging.Session("session %s connected from %s", sess.id, r.RemoteAddr)
	sess.run()

	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	logging.Session("session %s disconnected", sess.id)
}

// Close drops every live session. New connections are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}
