package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bobmcallan/pricefeed/internal/interfaces"
	"github.com/bobmcallan/pricefeed/internal/models"
	"github.com/bobmcallan/pricefeed/internal/services/jobmanager"
	"github.com/bobmcallan/pricefeed/internal/services/refresh"
)

// refreshAck is the immediate response to a trigger. The run continues
// after it is sent; progress is read from the run status endpoint.
type refreshAck struct {
	RunID            string    `json:"run_id"`
	Status           string    `json:"status"`
	Mode             string    `json:"mode"`
	FetchMode        string    `json:"fetch_mode"`
	TotalInstruments int       `json:"total_instruments"`
	HeldCount        int       `json:"held_count"`
	BatchSize        int       `json:"batch_size"`
	BatchCount       int       `json:"batch_count"`
	Pause            string    `json:"pause"`
	StartedAt        time.Time `json:"started_at"`
}

func newRefreshAck(run *models.RefreshRun) refreshAck {
	return refreshAck{
		RunID:            run.ID,
		Status:           run.Status,
		Mode:             run.Mode,
		FetchMode:        run.FetchMode,
		TotalInstruments: run.TotalInstruments,
		HeldCount:        run.HeldCount,
		BatchSize:        run.BatchSize,
		BatchCount:       run.BatchCount,
		Pause:            run.Pause().String(),
		StartedAt:        run.StartedAt,
	}
}

// handleRefreshTrigger handles GET|POST /api/refresh?mode=&fetch=.
// It returns 202 once the run is persisted, without waiting for any batch.
func (s *Server) handleRefreshTrigger(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if !RequireSecret(w, r, s.app.Config.Refresh.TriggerSecret) {
		return
	}

	q := r.URL.Query()
	req := interfaces.TriggerRequest{
		Mode:      strings.ToLower(strings.TrimSpace(q.Get("mode"))),
		FetchMode: strings.ToLower(strings.TrimSpace(q.Get("fetch"))),
		Trigger:   models.TriggerManual,
	}

	run, err := s.app.Supervisor.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, refresh.ErrInvalidMode) || errors.Is(err, refresh.ErrInvalidFetchMode) {
			WriteErrorWithCode(w, http.StatusBadRequest, err.Error(), "invalid_request")
			return
		}
		s.logger.Error().Err(err).Str("mode", req.Mode).Msg("Refresh trigger failed")
		WriteErrorWithCode(w, http.StatusInternalServerError, "failed to start refresh: "+err.Error(), "trigger_failed")
		return
	}

	WriteJSON(w, http.StatusAccepted, newRefreshAck(run))
}

// handleRunList handles GET /api/refresh/runs?limit=.
func (s *Server) handleRunList(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	runs, err := s.app.Supervisor.ListRuns(r.Context(), IntParam(r, "limit", 20))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list runs: "+err.Error())
		return
	}
	if runs == nil {
		runs = []*models.RefreshRun{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleRunGet handles GET /api/refresh/runs/{id}.
func (s *Server) handleRunGet(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	run, err := s.app.Supervisor.GetRun(r.Context(), id)
	if errors.Is(err, jobmanager.ErrRunNotFound) {
		WriteError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to get run: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// handleRunCancel handles POST /api/refresh/runs/{id}/cancel.
func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !RequireSecret(w, r, s.app.Config.Refresh.TriggerSecret) {
		return
	}

	run, err := s.app.Supervisor.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, jobmanager.ErrRunNotFound):
		WriteError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, jobmanager.ErrRunFinished):
		WriteErrorWithCode(w, http.StatusConflict, "run already "+run.Status, "run_finished")
	case err != nil:
		WriteError(w, http.StatusInternalServerError, "failed to cancel run: "+err.Error())
	default:
		WriteJSON(w, http.StatusAccepted, run)
	}
}

// handleRetentionSweep handles POST /api/retention/sweep.
func (s *Server) handleRetentionSweep(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !RequireSecret(w, r, s.app.Config.Refresh.TriggerSecret) {
		return
	}

	deleted, err := s.app.Refresh.Sweep(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "retention sweep failed: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// handleCoverage handles GET /api/instruments/{id}/coverage.
func (s *Server) handleCoverage(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	cov, err := s.app.Refresh.Coverage(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "instrument not found")
		return
	}
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to read coverage: "+err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, cov)
}
