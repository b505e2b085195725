// Package api provides the dashboard's HTTP server and handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/dashboard/internal/events"
	"github.com/fruitsalade/dashboard/internal/lazytree"
	"github.com/fruitsalade/dashboard/internal/logging"
	"github.com/fruitsalade/dashboard/internal/metrics"
	"github.com/fruitsalade/dashboard/internal/refresh"
	"github.com/fruitsalade/dashboard/pkg/protocol"
)

// maxBodySize bounds request bodies; every request body is a small JSON
// document.
const maxBodySize = 64 << 10

// Backend is the dashboard the server exposes. *dashboard.Dashboard
// satisfies it.
type Backend interface {
	Tree() protocol.TreeResponse
	ToggleExpand(path string) (bool, error)
	RefreshNow(ctx context.Context) error
	Trigger()
	Panels() []protocol.PanelStatus
	Events() *events.Broadcaster
}

// Server is the HTTP server.
type Server struct {
	backend Backend
	version string
}

// NewServer creates a new API server.
func NewServer(backend Backend, version string) *Server {
	return &Server{backend: backend, version: version}
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	mux.HandleFunc("POST /api/v1/tree/toggle", s.handleToggle)
	mux.HandleFunc("POST /api/v1/refresh", s.handleRefresh)
	mux.HandleFunc("POST /api/v1/trigger", s.handleTrigger)
	mux.HandleFunc("GET /api/v1/panels", s.handlePanels)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	// metrics.Middleware must wrap the mux directly: it reads r.Pattern
	// from the request it hands to the mux.
	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.backend.Tree())
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var req protocol.ToggleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Path = strings.Trim(req.Path, "/")
	if req.Path == "" {
		s.sendError(w, http.StatusBadRequest, "path is required")
		return
	}

	expanded, err := s.backend.ToggleExpand(req.Path)
	switch {
	case errors.Is(err, lazytree.ErrNotFound):
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("path %q not found", req.Path))
		return
	case errors.Is(err, lazytree.ErrNotDirectory):
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("path %q is not a directory", req.Path))
		return
	case err != nil:
		logging.WithContext(r.Context()).Error("toggle failed", zap.String("path", req.Path), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "toggle failed")
		return
	}

	s.sendJSON(w, http.StatusOK, protocol.ToggleResponse{Path: req.Path, Expanded: expanded})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.RefreshNow(r.Context()); err != nil {
		if errors.Is(err, refresh.ErrClosed) {
			s.sendError(w, http.StatusServiceUnavailable, "shutting down")
			return
		}
		logging.WithContext(r.Context()).Warn("refresh interrupted", zap.Error(err))
		s.sendError(w, http.StatusServiceUnavailable, "refresh interrupted")
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.PanelsResponse{Panels: s.backend.Panels()})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.backend.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePanels(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, protocol.PanelsResponse{Panels: s.backend.Panels()})
}

// ─── View events ────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	broadcaster := s.backend.Events()
	ch := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
