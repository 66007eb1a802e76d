// Package server exposes the orchestrator over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mirvoism/browser-automation-service/internal/orchestrator"
	"github.com/mirvoism/browser-automation-service/internal/task"
)

// Config holds server configuration
type Config struct {
	// Listen address, e.g. ":8000"
	Addr string

	// WebSocket keepalive ping interval
	PingInterval time.Duration

	// Parameter defaults applied to execute requests that omit them
	DefaultParams task.Params
}

// Server provides the HTTP API for task submission and live updates
type Server struct {
	addr     string
	orch     *orchestrator.Orchestrator
	defaults task.Params
	ping     time.Duration
	server   *http.Server
	serverMu sync.RWMutex
	log      *zap.Logger
}

// New creates a server around an orchestrator
func New(cfg Config, orch *orchestrator.Orchestrator, log *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Server{
		addr:     cfg.Addr,
		orch:     orch,
		defaults: cfg.DefaultParams,
		ping:     cfg.PingInterval,
		log:      log.Named("server"),
	}
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	server := &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.serverMu.Lock()
	s.server = server
	s.serverMu.Unlock()

	s.log.Info("starting server", zap.String("address", s.addr))
	return server.ListenAndServe()
}

// Handler builds the full route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskByID)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/ws/updates", s.handleWebSocket)

	return s.withLogging(s.withCORS(mux))
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.serverMu.RLock()
	server := s.server
	s.serverMu.RUnlock()

	if server == nil {
		return nil
	}

	s.log.Info("shutting down server")
	return server.Shutdown(ctx)
}

type executeRequest struct {
	Command        string `json:"command"`
	LLMProvider    string `json:"llm_provider"`
	LLMModel       string `json:"llm_model"`
	BrowserProfile string `json:"browser_profile"`
}

// handleExecute accepts a new automation command
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.log.Warn("failed to decode execute request", zap.Error(err))
		http.Error(w, "Invalid request format", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		http.Error(w, "Command cannot be empty", http.StatusBadRequest)
		return
	}

	params := s.defaults
	if req.LLMProvider != "" {
		params.LLMProvider = req.LLMProvider
	}
	if req.LLMModel != "" {
		params.LLMModel = req.LLMModel
	}
	if req.BrowserProfile != "" {
		params.BrowserProfile = req.BrowserProfile
	}

	id, err := s.orch.CreateTask(req.Command, params)
	if err != nil {
		if errors.Is(err, task.ErrQueueFull) {
			http.Error(w, "Task queue is full", http.StatusServiceUnavailable)
			return
		}
		s.log.Error("failed to create task", zap.Error(err))
		http.Error(w, "Failed to create task", http.StatusInternalServerError)
		return
	}

	s.log.Info("task created",
		zap.String("task_id", id),
		zap.String("command", req.Command))

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"task_id": id,
		"status":  task.StatusPending,
		"message": "Task created and queued for execution",
	})
}

// handleTasks lists recent tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	tasks := s.orch.ListTasks(limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
		"stats": s.orch.Stats().Queue,
	})
}

// handleTaskByID routes status, result and cancel requests for one task
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if rest == "" {
		http.Error(w, "Task ID required", http.StatusBadRequest)
		return
	}

	id, wantResult := rest, false
	if cut, ok := strings.CutSuffix(rest, "/result"); ok {
		id, wantResult = cut, true
	}
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}

	switch {
	case wantResult && r.Method == http.MethodGet:
		s.handleResult(w, id)
	case !wantResult && r.Method == http.MethodGet:
		s.handleStatus(w, id)
	case !wantResult && r.Method == http.MethodDelete:
		s.handleCancel(w, id)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, id string) {
	summary, err := s.orch.GetTaskStatus(id)
	if err != nil {
		http.Error(w, "Task not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleResult(w http.ResponseWriter, id string) {
	result, err := s.orch.GetTaskResult(id)
	if err != nil {
		var notReady *task.NotReadyError
		var fault *task.FaultError
		switch {
		case errors.Is(err, task.ErrNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		case errors.As(err, &notReady):
			http.Error(w, notReady.Error(), http.StatusBadRequest)
		case errors.As(err, &fault):
			http.Error(w, fault.Message, http.StatusInternalServerError)
		default:
			http.Error(w, "Failed to get task result", http.StatusInternalServerError)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, id string) {
	if err := s.orch.CancelTask(id); err != nil {
		switch {
		case errors.Is(err, task.ErrNotFound):
			http.Error(w, "Task not found", http.StatusNotFound)
		case errors.Is(err, task.ErrAlreadyTerminal):
			http.Error(w, "Task already finished", http.StatusConflict)
		default:
			s.log.Error("failed to cancel task",
				zap.String("task_id", id),
				zap.Error(err))
			http.Error(w, "Failed to cancel task", http.StatusInternalServerError)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"task_id": id,
		"status":  task.StatusCancelled,
	})
}

// handleHealth returns service health and aggregate statistics
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.orch.Stats()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"stats":     stats,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to encode response", zap.Error(err))
	}
}

// Middleware: withLogging logs all HTTP requests
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

// Middleware: withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
