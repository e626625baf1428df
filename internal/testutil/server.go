package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/nhle/tutornotify/internal/model"
)

// Server is an in-process marketplace backend: the notifications REST
// API plus the /ws push channel.
type Server struct {
	URL string

	// Push delivers raw frames to every connected socket.
	Push chan string

	mu            gosync.Mutex
	notifications []model.Notification
	tokens        []string
	reads         []string
}

// NewServer starts a Server holding ns. It is closed when the test ends.
func NewServer(t *testing.T, ns ...model.Notification) *Server {
	t.Helper()

	s := &Server{Push: make(chan string, 16), notifications: ns}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/notifications", s.list)
	mux.HandleFunc("PATCH /api/notifications/read-all", s.readAll)
	mux.HandleFunc("PATCH /api/notifications/{id}/read", s.readOne)
	mux.HandleFunc("/ws", s.socket)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	s.URL = srv.URL
	return s
}

// Tokens returns the bearer tokens seen so far.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Reads returns the ids confirmed through PATCH .../read.
func (s *Server) Reads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reads...)
}

// SetNotifications replaces what later list calls return.
func (s *Server) SetNotifications(ns ...model.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = ns
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	s.tokens = append(s.tokens, token)
	s.mu.Unlock()
	if token == "" || token == "expired" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "message": "invalid token"})
		return false
	}
	return true
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	s.mu.Lock()
	ns := append([]model.Notification(nil), s.notifications...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"notifications": ns,
		"total":         len(ns),
		"page":          1,
		"limit":         len(ns),
	})
}

func (s *Server) readOne(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	id := r.PathValue("id")
	s.mu.Lock()
	s.reads = append(s.reads, id)
	for i := range s.notifications {
		if s.notifications[i].ID == id {
			s.notifications[i].IsRead = true
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) readAll(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	var body struct {
		IDs []string `json:"ids"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.reads = append(s.reads, body.IDs...)
	for i := range s.notifications {
		s.notifications[i].IsRead = true
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) socket(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case f := <-s.Push:
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
