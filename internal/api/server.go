// Package api exposes the relay manager over HTTP: task CRUD-ish routes,
// async start/cancel, and a per-task SSE event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/task-relay/internal/relay"
)

type Server struct {
	manager *relay.Manager
	logger  *zap.Logger
}

func NewServer(m *relay.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{manager: m, logger: logger}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			respondJSON(w, s.manager.ListTasks())
		case http.MethodPost:
			var req struct {
				Category string         `json:"category"`
				Payload  string         `json:"payload"`
				Context  map[string]any `json:"context"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if !s.manager.HasCategory(req.Category) {
				http.Error(w, fmt.Sprintf("unknown category %q", req.Category), http.StatusBadRequest)
				return
			}
			t := s.manager.CreateTask(req.Category, req.Payload, req.Context)
			respondJSON(w, t)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/tasks/start/", func(w http.ResponseWriter, r *http.Request) {
		// path: /tasks/start/{id}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Path[len("/tasks/start/"):]
		if _, ok := s.manager.GetTask(id); !ok {
			http.NotFound(w, r)
			return
		}
		go func() {
			if err := s.manager.Start(context.Background(), id); err != nil {
				s.logger.Error("start error", zap.String("task", id), zap.Error(err))
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/tasks/cancel/", func(w http.ResponseWriter, r *http.Request) {
		// path: /tasks/cancel/{id}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Path[len("/tasks/cancel/"):]
		if err := s.manager.Cancel(id); err != nil {
			if errors.Is(err, relay.ErrTaskNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/tasks/events/", s.handleEvents)

	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		// path: /tasks/{id}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		id := r.URL.Path[len("/tasks/"):]
		t, ok := s.manager.GetTask(id)
		if !ok {
			http.NotFound(w, r)
			return
		}
		respondJSON(w, t)
	})
}

// handleEvents streams hub events for one task as SSE until the client goes
// away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Path[len("/tasks/events/"):]
	if _, ok := s.manager.GetTask(id); !ok {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	// subscribe before the headers go out so a client that starts the task
	// right after connecting cannot miss the first transition
	ch, unsub := s.manager.Subscribe(id)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case b, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// CORS is a simple middleware for local dev.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
