package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/ashureev/educator/internal/crew"
	"github.com/ashureev/educator/internal/identity"
	"github.com/ashureev/educator/internal/pipeline"
)

// multipart overhead allowed on top of the upload limit.
const formSlack = 1 << 20

type generateResponse struct {
	RunID        string `json:"run_id"`
	Markdown     string `json:"markdown"`
	HTML         string `json:"html"`
	DownloadURL  string `json:"download_url"`
	DownloadName string `json:"download_name"`
}

// Generate accepts a topic and a document and returns the generated report.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromRequest(r)
	log := h.logger.With("user_id", scope.UserID, "session_id", scope.SessionID, "ip", identity.IPFromRequest(r))

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusBadRequest, pipeline.ErrFileTooLarge.Error())
			return
		}
		Error(w, http.StatusBadRequest, "invalid form submission")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	req := pipeline.Request{Topic: r.FormValue("topic"), Scope: scope}
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		req.File = file
		req.Filename = header.Filename
	case errors.Is(err, http.ErrMissingFile):
	default:
		Error(w, http.StatusBadRequest, "invalid file upload")
		return
	}

	ctx := r.Context()
	if h.observers != nil {
		ctx = crew.WithObserver(ctx, h.observers.Observer(scope.UserID, scope.SessionID))
	}

	out, err := h.svc.Run(ctx, req)
	if err != nil {
		status := pipeline.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error("Generation failed", "error", err, "class", pipeline.Classify(err).String())
		}
		Error(w, status, pipeline.UserMessage(err))
		return
	}

	html, err := h.render(out.Markdown)
	if err != nil {
		log.Warn("Failed to render markdown", "run_id", out.RunID, "error", err)
	}
	JSON(w, http.StatusOK, generateResponse{
		RunID:        out.RunID,
		Markdown:     out.Markdown,
		HTML:         html,
		DownloadURL:  "/api/report/download",
		DownloadName: out.DownloadName,
	})
}

func (h *Handler) render(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := h.markdown.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}
