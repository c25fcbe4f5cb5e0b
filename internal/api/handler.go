// Package api provides HTTP handlers for the Educator API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ashureev/educator/internal/crew"
	"github.com/ashureev/educator/internal/identity"
	"github.com/ashureev/educator/internal/pipeline"
	"github.com/ashureev/educator/internal/staging"
	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// ObserverSource hands out progress observers per user and session.
type ObserverSource interface {
	Observer(userID, sessionID string) crew.Observer
}

// Handler serves generation, download and history endpoints.
type Handler struct {
	svc       *pipeline.Service
	observers ObserverSource
	markdown  goldmark.Markdown
	maxUpload int64
	logger    *slog.Logger
}

// NewHandler creates a Handler. observers may be nil.
func NewHandler(svc *pipeline.Service, observers ObserverSource, maxUpload int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &Handler{
		svc:       svc,
		observers: observers,
		markdown:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		maxUpload: maxUpload,
		logger:    logger,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", h.Generate)
		r.Get("/report/download", h.DownloadReport)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{runID}/download", h.DownloadRun)
		r.Get("/config", h.GetConfig)
	})
}

// GetConfig returns the settings the page needs.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"download_name":    h.svc.DownloadName(),
		"integration_mode": h.svc.Mode(),
		"max_upload_bytes": h.maxUpload,
		"accept":           ".txt,.pdf",
	})
}

func scopeFromRequest(r *http.Request) staging.Scope {
	return staging.Scope{
		UserID:    identity.UserIDFromContext(r.Context()),
		SessionID: identity.SessionIDFromContext(r.Context()),
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
