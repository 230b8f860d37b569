// Package api exposes the HTTP and WebSocket surface over the session
// manager: list/create/get plus the two streaming endpoints per session.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/session"
)

// Stable error codes carried in every error body.
const (
	codeInvalidRequest       = "INVALID_REQUEST"
	codeWorkingDirInvalid    = "WORKING_DIR_INVALID"
	codeSessionNotFound      = "SESSION_NOT_FOUND"
	codeAgentSpawnFailed     = "AGENT_SPAWN_FAILED"
	codeFileParseError       = "FILE_PARSE_ERROR"
	codeProcessCommunication = "PROCESS_COMMUNICATION_ERROR"
	codeInternal             = "INTERNAL_ERROR"
)

// Config carries the adapter-level knobs the server needs.
type Config struct {
	AllowedOrigins []string
	StaticDir      string
}

// Server adapts HTTP requests onto the session manager.
type Server struct {
	manager  *session.Manager
	logger   *slog.Logger
	cfg      Config
	upgrader websocket.Upgrader
}

func NewServer(manager *session.Manager, cfg Config, logger *slog.Logger) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Server{
		manager:  manager,
		logger:   logger.With("component", "api"),
		cfg:      cfg,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(s.cfg.AllowedOrigins))

	mux.Get("/healthz", s.handleHealthz)
	mux.Get("/readyz", s.handleHealthz)

	mux.Route("/api/v1", func(r chi.Router) {
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/sessions/{id}/transcript", s.handleTranscriptStream)
		r.Get("/sessions/{id}/approvals", s.handleApprovalStream)
	})

	if s.cfg.StaticDir != "" {
		mux.Get("/*", s.spaHandler())
	}

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.manager.ListSessions()
	if err != nil {
		s.logger.Error("listing sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list sessions", codeFileParseError)
		return
	}
	if infos == nil {
		infos = []session.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

type createSessionRequest struct {
	SessionID    string   `json:"session_id"`
	WorkingDir   string   `json:"working_dir"`
	Resume       bool     `json:"resume"`
	FirstMessage []string `json:"first_message"`
}

type createSessionResponse struct {
	SessionID            string `json:"session_id"`
	WebsocketURL         string `json:"websocket_url"`
	ApprovalWebsocketURL string `json:"approval_websocket_url"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", codeInvalidRequest)
		return
	}

	first := make([]json.RawMessage, len(body.FirstMessage))
	for i, msg := range body.FirstMessage {
		first[i] = json.RawMessage(msg)
	}

	id, err := s.manager.CreateSession(r.Context(), session.CreateRequest{
		SessionID:    body.SessionID,
		WorkingDir:   body.WorkingDir,
		Resume:       body.Resume,
		FirstMessage: first,
	})
	if err != nil {
		s.writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{
		SessionID:            id,
		WebsocketURL:         transcriptURL(id),
		ApprovalWebsocketURL: approvalURL(id),
	})
}

type sessionResponse struct {
	SessionID            string            `json:"session_id"`
	WorkingDirectory     string            `json:"working_directory"`
	Content              []json.RawMessage `json:"content"`
	WebsocketURL         string            `json:"websocket_url,omitempty"`
	ApprovalWebsocketURL string            `json:"approval_websocket_url,omitempty"`
	ChildPID             int               `json:"child_pid,omitempty"`
	PendingApprovals     int               `json:"pending_approvals,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	detail, err := s.manager.DescribeSession(id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found", codeSessionNotFound)
		return
	}
	if err != nil {
		s.logger.Error("describing session failed", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read session transcript", codeFileParseError)
		return
	}

	resp := sessionResponse{
		SessionID:        detail.SessionID,
		WorkingDirectory: detail.WorkingDirectory,
		Content:          detail.Content,
	}
	if resp.Content == nil {
		resp.Content = []json.RawMessage{}
	}
	if detail.Live {
		resp.WebsocketURL = transcriptURL(id)
		resp.ApprovalWebsocketURL = approvalURL(id)
		resp.ChildPID = detail.ChildPID
		resp.PendingApprovals = detail.PendingApprovals
	}
	writeJSON(w, http.StatusOK, resp)
}

// spaHandler serves the optional static UI with an index.html fallback for
// client-side routes.
func (s *Server) spaHandler() http.HandlerFunc {
	fileServer := http.FileServer(http.Dir(s.cfg.StaticDir))
	return func(w http.ResponseWriter, r *http.Request) {
		path := filepath.Join(s.cfg.StaticDir, filepath.Clean("/"+r.URL.Path))
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			fileServer.ServeHTTP(w, r)
			return
		}
		http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, "index.html"))
	}
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error(), codeInvalidRequest)
	case errors.Is(err, session.ErrBadWorkingDir):
		writeError(w, http.StatusBadRequest, err.Error(), codeWorkingDirInvalid)
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error(), codeSessionNotFound)
	case errors.Is(err, agent.ErrBinaryMissing), errors.Is(err, agent.ErrSpawnFailed):
		writeError(w, http.StatusInternalServerError, err.Error(), codeAgentSpawnFailed)
	case errors.Is(err, agent.ErrEarlyExit),
		errors.Is(err, agent.ErrStartupTimeout),
		errors.Is(err, agent.ErrHandshakeMalformed),
		errors.Is(err, agent.ErrBadPayload),
		errors.Is(err, agent.ErrExited):
		writeError(w, http.StatusInternalServerError, err.Error(), codeProcessCommunication)
	case errors.Is(err, session.ErrStartupFileMissing):
		writeError(w, http.StatusInternalServerError, err.Error(), codeFileParseError)
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), codeInternal)
	}
}

func transcriptURL(id string) string {
	return fmt.Sprintf("/api/v1/sessions/%s/transcript", id)
}

func approvalURL(id string) string {
	return fmt.Sprintf("/api/v1/sessions/%s/approvals", id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
