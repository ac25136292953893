// Package relaytest runs an in-process HTTP room relay for tests.
package relaytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/gorilla/mux"
)

// Server is a minimal relay speaking the same HTTP contract as the
// production relay.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	rooms    map[string]*room
	done     chan struct{}
	failIdx  bool
	closeOne sync.Once
}

type room struct {
	next     uint16
	messages [][]byte
	changed  chan struct{}
}

// NewServer starts a relay. Close it when done.
func NewServer() *Server {
	s := &Server{
		rooms: make(map[string]*room),
		done:  make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/rooms/{room}/subscribe", s.handleSubscribe).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{room}/issue_unique_idx", s.handleIssueIndex).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{room}/broadcast", s.handleBroadcast).Methods(http.MethodPost)

	s.Server = httptest.NewServer(r)
	return s
}

// FailIndexIssuing makes issue_unique_idx answer with an internal error.
func (s *Server) FailIndexIssuing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failIdx = true
}

// Broadcasts returns how many messages were published to the room.
func (s *Server) Broadcasts(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[name]; ok {
		return len(rm.messages)
	}
	return 0
}

// Publish appends a raw message to the room, bypassing any client.
func (s *Server) Publish(name string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(name, payload)
}

// Close stops streaming subscriptions and shuts the server down.
func (s *Server) Close() {
	s.closeOne.Do(func() { close(s.done) })
	s.Server.Close()
}

func (s *Server) room(name string) *room {
	rm, ok := s.rooms[name]
	if !ok {
		rm = &room{changed: make(chan struct{})}
		s.rooms[name] = rm
	}
	return rm
}

func (s *Server) publishLocked(name string, payload []byte) {
	rm := s.room(name)
	rm.messages = append(rm.messages, payload)
	close(rm.changed)
	rm.changed = make(chan struct{})
}

func (s *Server) handleIssueIndex(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]

	s.mu.Lock()
	if s.failIdx {
		s.mu.Unlock()
		http.Error(w, "index service unavailable", http.StatusInternalServerError)
		return
	}
	rm := s.room(name)
	rm.next++
	idx := rm.next
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]uint16{"unique_idx": idx})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.Publish(name, payload)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["room"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	next := 0
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.Atoi(last); err == nil {
			next = n + 1
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": subscribed\n\n")
	flusher.Flush()

	for {
		s.mu.Lock()
		rm := s.room(name)
		pending := rm.messages[next:]
		changed := rm.changed
		s.mu.Unlock()

		for _, msg := range pending {
			_, _ = fmt.Fprintf(w, "id: %d\nevent: new-message\ndata: %s\n\n", next, msg)
			next++
		}
		flusher.Flush()

		select {
		case <-changed:
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		}
	}
}
