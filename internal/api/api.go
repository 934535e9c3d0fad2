// Package api mounts every HTTP route of the daemon: agent and thread
// management, process control, ingestion, the manager's worker overview,
// the terminal channel, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/agent-command/agentchatd/internal/ingest"
	"github.com/agent-command/agentchatd/internal/logging"
	"github.com/agent-command/agentchatd/internal/manager"
	"github.com/agent-command/agentchatd/internal/metrics"
	"github.com/agent-command/agentchatd/internal/store"
	"github.com/agent-command/agentchatd/internal/supervisor"
	"github.com/agent-command/agentchatd/internal/ws"
)

const maxBodyBytes = 1 << 20

// Pinger reports whether the data layer is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Manager  *manager.Manager
	Ingest   *ingest.Ingestor
	Terminal *ws.Server
	DB       Pinger
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	mgr     *manager.Manager
	db      Pinger
	logger  *slog.Logger
	version string
	handler http.Handler
}

func New(opts Options) *Server {
	s := &Server{
		mgr:     opts.Manager,
		db:      opts.DB,
		logger:  logging.OrDiscard(opts.Logger).With("component", "api"),
		version: opts.Version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	mux.HandleFunc("POST /api/agents/{id}/spawn", s.handleSpawn)
	mux.HandleFunc("POST /api/agents/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/agents/{id}/resize", s.handleResize)
	mux.HandleFunc("POST /api/agents/{id}/input", s.handleInput)
	mux.HandleFunc("GET /api/agents/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/processes", s.handleProcesses)

	mux.HandleFunc("GET /api/threads/{id}/messages", s.handleMessages)
	mux.HandleFunc("POST /api/threads/{id}/messages", s.handleSendMessage)
	mux.HandleFunc("POST /api/threads/{id}/read", s.handleMarkRead)

	mux.HandleFunc("GET /api/orchestrator/heartbeats", s.handleHeartbeats)
	mux.HandleFunc("GET /api/orchestrator/briefing", s.handleBriefing)

	if opts.Ingest != nil {
		opts.Ingest.Register(mux)
	}
	if opts.Terminal != nil {
		opts.Terminal.Register(mux)
	}
	mux.Handle("GET /metrics", opts.Metrics.Handler())

	s.handler = s.logRequests(mux)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"version":   s.version,
		"processes": len(s.mgr.Processes()),
		"time":      time.Now().UTC(),
	}
	code := http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"processes": s.mgr.Processes()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalid), errors.Is(err, manager.ErrEmptyMessage),
		errors.Is(err, supervisor.ErrInvalidSize):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}

func jsonDecoder(w http.ResponseWriter, r *http.Request) *json.Decoder {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := jsonDecoder(w, r).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
