package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ashureev/educator/internal/domain"
	"github.com/ashureev/educator/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

type runView struct {
	ID          string           `json:"id"`
	Topic       string           `json:"topic"`
	Filename    string           `json:"filename"`
	Mode        string           `json:"mode"`
	Status      domain.RunStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	DownloadURL string           `json:"download_url,omitempty"`
}

// DownloadReport streams the caller's current report as a text attachment.
func (h *Handler) DownloadReport(w http.ResponseWriter, r *http.Request) {
	f, err := h.svc.OpenReport(scopeFromRequest(r))
	if err != nil {
		h.downloadError(w, err)
		return
	}
	h.serveReport(w, r, f)
}

// DownloadRun streams the report written by one of the caller's runs.
func (h *Handler) DownloadRun(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromRequest(r)
	_, f, err := h.svc.OpenRunReport(r.Context(), scope.UserID, chi.URLParam(r, "runID"))
	if err != nil {
		h.downloadError(w, err)
		return
	}
	h.serveReport(w, r, f)
}

func (h *Handler) serveReport(w http.ResponseWriter, r *http.Request, f *os.File) {
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		h.logger.Error("Failed to stat report", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read report")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", h.svc.DownloadName()))
	w.Header().Set("Cache-Control", "no-store")
	http.ServeContent(w, r, h.svc.DownloadName(), info.ModTime(), f)
}

func (h *Handler) downloadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, store.ErrRunNotFound):
		Error(w, http.StatusNotFound, "no report is available")
	default:
		h.logger.Error("Failed to open report", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read report")
	}
}

// ListRuns returns the caller's most recent generation runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := h.svc.History(r.Context(), scopeFromRequest(r).UserID, limit)
	if err != nil {
		h.logger.Error("Failed to list runs", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	views := make([]runView, 0, len(runs))
	for _, run := range runs {
		v := runView{
			ID:         run.ID,
			Topic:      run.Topic,
			Filename:   run.Filename,
			Mode:       run.Mode,
			Status:     run.Status,
			Error:      run.Error,
			StartedAt:  run.StartedAt,
			FinishedAt: run.FinishedAt,
		}
		if run.Status == domain.RunSucceeded {
			v.DownloadURL = "/api/runs/" + run.ID + "/download"
		}
		views = append(views, v)
	}
	JSON(w, http.StatusOK, map[string]any{"runs": views})
}
