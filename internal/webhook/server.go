// internal/webhook/server.go
package webhook

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/chatrelay/internal/scheduler"
)

// Injector feeds a prompt into the session pipeline. The reply is published
// to the room asynchronously, so the webhook only acknowledges acceptance.
type Injector func(sender, prompt string) error

// Server is a lightweight HTTP handler that lets external systems fire
// configured named prompts into the room.
type Server struct {
	tasks  map[string]scheduler.Task
	inject Injector
	mux    *http.ServeMux
}

// NewServer creates a webhook Server over the given named tasks.
func NewServer(tasks []scheduler.Task, inject Injector) *Server {
	byName := make(map[string]scheduler.Task, len(tasks))
	for _, t := range tasks {
		byName[t.Name] = t
	}
	s := &Server{
		tasks:  byName,
		inject: inject,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /prompt/", s.handleNamedPrompt)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// namedPromptRequest is the optional JSON body for POST /prompt/{name}.
type namedPromptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handleNamedPrompt(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/prompt/")
	if name == "" {
		http.Error(w, `{"error":"prompt name required"}`, http.StatusBadRequest)
		return
	}

	task, ok := s.tasks[name]
	if !ok {
		http.Error(w, `{"error":"prompt not found"}`, http.StatusNotFound)
		return
	}

	prompt := task.Prompt

	// Allow the body to override the configured prompt text.
	var body namedPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Prompt != "" {
		prompt = body.Prompt
	}

	if err := s.inject("webhook:"+name, prompt); err != nil {
		slog.Error("webhook inject failed", "name", name, "error", err)
		http.Error(w, `{"error":"session busy"}`, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}
