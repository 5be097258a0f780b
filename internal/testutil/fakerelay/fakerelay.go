// Package fakerelay provides an in-process tunnel relay for integration
// testing. It serves the management API and the WebSocket data plane, and
// lets a test open client streams to whichever host is currently connected.
package fakerelay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/yamux"
)

// Server is an in-process relay for testing.
type Server struct {
	t   testing.TB
	srv *httptest.Server

	mu          sync.Mutex
	tokens      map[string]bool
	tunnels     map[string]tunnelRecord
	nextID      int
	sessions    map[string]*yamux.Session
	connects    int
	creates     int
	unauthCount int
}

type tunnelRecord struct {
	ID        string    `json:"tunnelId"`
	ClusterID string    `json:"clusterId"`
	Port      int       `json:"port"`
	Username  string    `json:"username,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// New starts a relay that accepts the given bearer tokens. It is shut down
// by t.Cleanup.
func New(t testing.TB, tokens ...string) *Server {
	t.Helper()

	s := &Server{
		t:        t,
		tokens:   make(map[string]bool),
		tunnels:  make(map[string]tunnelRecord),
		sessions: make(map[string]*yamux.Session),
	}
	for _, tok := range tokens {
		s.tokens[tok] = true
	}

	r := chi.NewRouter()
	r.Route("/tunnels", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/", s.createTunnel)
		r.Get("/{id}", s.getTunnel)
		r.Delete("/{id}", s.deleteTunnel)
		r.Get("/{id}/connect", s.connect)
	})

	s.srv = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// URL is the base URL for both the management API and the data plane.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close disconnects every host and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.Close()
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	s.srv.Close()
}

// SetTokens replaces the set of accepted tokens.
func (s *Server) SetTokens(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool)
	for _, tok := range tokens {
		s.tokens[tok] = true
	}
}

// AddTunnel registers a tunnel as if it had been created earlier.
func (s *Server) AddTunnel(id, clusterID string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tunnels[id] = tunnelRecord{ID: id, ClusterID: clusterID, Port: port, CreatedAt: time.Now()}
}

// Forget deletes a tunnel so the next lookup returns 404.
func (s *Server) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tunnels, id)
}

// HasTunnel reports whether the relay knows id.
func (s *Server) HasTunnel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tunnels[id]
	return ok
}

// Connects is the number of successful data-plane connections.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Creates is the number of tunnels created through the API.
func (s *Server) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// Unauthorized is the number of requests rejected for a bad token.
func (s *Server) Unauthorized() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unauthCount
}

// Drop closes the host connection for tunnel id, simulating a network cut.
func (s *Server) Drop(id string) {
	s.mu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// Dial opens a client stream to the host serving tunnel id, waiting up to
// timeout for the host to connect.
func (s *Server) Dial(id string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		sess := s.sessions[id]
		s.mu.Unlock()
		if sess != nil && !sess.IsClosed() {
			return sess.Open()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("fakerelay: no host connected for tunnel %s", id)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		ok := s.tokens[token]
		if !ok {
			s.unauthCount++
		}
		s.mu.Unlock()
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) createTunnel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Port     int    `json:"port"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.nextID++
	s.creates++
	rec := tunnelRecord{
		ID:        fmt.Sprintf("tun-%d", s.nextID),
		ClusterID: "test-cluster",
		Port:      req.Port,
		Username:  req.Username,
		CreatedAt: time.Now(),
	}
	s.tunnels[rec.ID] = rec
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) getTunnel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rec, ok := s.tunnels[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *Server) deleteTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.tunnels[id]
	delete(s.tunnels, id)
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	_, ok := s.tunnels[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.t.Logf("fakerelay: websocket accept error: %v", err)
		return
	}
	wsConn.SetReadLimit(-1)

	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = false
	cfg.LogOutput = io.Discard
	sess, err := yamux.Client(netConn, cfg)
	if err != nil {
		wsConn.CloseNow()
		return
	}

	s.mu.Lock()
	if old := s.sessions[id]; old != nil {
		old.Close()
	}
	s.sessions[id] = sess
	s.connects++
	s.mu.Unlock()

	// Hold the handler until the session ends so the connection stays open.
	<-sess.CloseChan()
}
