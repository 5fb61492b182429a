package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bobmcallan/pricefeed/internal/common"
)

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Refresh
	mux.HandleFunc("/api/refresh", s.handleRefreshTrigger)
	mux.HandleFunc("/api/refresh/runs", s.handleRunList)
	mux.HandleFunc("/api/refresh/runs/", s.routeRuns)

	// Retention
	mux.HandleFunc("/api/retention/sweep", s.handleRetentionSweep)

	// Instruments
	mux.HandleFunc("/api/instruments/", s.routeInstruments)
}

// routeRuns dispatches /api/refresh/runs/{id}[/cancel].
func (s *Server) routeRuns(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r, "/api/refresh/runs/", "")
	if id == "" {
		WriteError(w, http.StatusNotFound, "run id is required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/refresh/runs/"+id)
	switch rest {
	case "", "/":
		s.handleRunGet(w, r, id)
	case "/cancel":
		s.handleRunCancel(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

// routeInstruments dispatches /api/instruments/{id}/coverage.
func (s *Server) routeInstruments(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r, "/api/instruments/", "/coverage")
	if id == "" || !strings.HasSuffix(r.URL.Path, "/coverage") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	s.handleCoverage(w, r, id)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	if s.app.Storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.app.Storage.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Health check: storage unreachable")
			WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, common.GetVersionInfo())
}
