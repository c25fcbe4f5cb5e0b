// Package pipeline ties intake, engine invocation and delivery together for
// one generation request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/educator/internal/crew"
	"github.com/ashureev/educator/internal/domain"
	"github.com/ashureev/educator/internal/shared"
	"github.com/ashureev/educator/internal/staging"
	"github.com/ashureev/educator/internal/store"
	"github.com/google/uuid"
)

// RunStore is the run bookkeeping the pipeline needs.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, reportPath, errMsg string, finishedAt time.Time) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, userID string, limit int) ([]*domain.Run, error)
}

// Options configures a Service.
type Options struct {
	Mode          string
	EngineTimeout time.Duration
	DownloadName  string
	// DBMaxRetries and DBRetryBaseDelay bound retries of run bookkeeping on
	// SQLite lock contention.
	DBMaxRetries     int
	DBRetryBaseDelay time.Duration
}

// Request is one generation request.
type Request struct {
	Topic    string
	Filename string
	// File is nil when no document was uploaded.
	File  io.Reader
	Scope staging.Scope
}

// Outcome is a successful generation.
type Outcome struct {
	RunID        string
	Markdown     string
	ReportPath   string
	DownloadName string
	Mode         string
}

// Service runs the research → report pipeline.
type Service struct {
	stager *staging.Stager
	engine crew.Engine
	runs   RunStore
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a Service. runs may be nil to skip bookkeeping.
func NewService(stager *staging.Stager, engine crew.Engine, runs RunStore, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = crew.ModeContent
	}
	if opts.DownloadName == "" {
		opts.DownloadName = "article.txt"
	}
	if opts.DBMaxRetries <= 0 {
		opts.DBMaxRetries = 3
	}
	if opts.DBRetryBaseDelay <= 0 {
		opts.DBRetryBaseDelay = 50 * time.Millisecond
	}
	return &Service{
		stager: stager,
		engine: engine,
		runs:   runs,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// DownloadName is the file name offered for report downloads.
func (s *Service) DownloadName() string {
	return s.opts.DownloadName
}

// Mode is the configured integration mode.
func (s *Service) Mode() string {
	return s.opts.Mode
}

// Run validates the request, stages the document, invokes the engine and
// writes the report. On any error no report is written for this request.
func (s *Service) Run(ctx context.Context, req Request) (*Outcome, error) {
	topic := domain.NormalizeTopic(req.Topic)
	if topic == "" {
		return nil, ErrMissingTopic
	}
	if req.File == nil || strings.TrimSpace(req.Filename) == "" {
		return nil, ErrMissingFile
	}

	doc, err := s.stager.Stage(ctx, req.Scope, req.Filename, req.File)
	if err != nil {
		if errors.Is(err, staging.ErrIO) {
			return nil, fmt.Errorf("%w: %w", ErrStaging, err)
		}
		return nil, err
	}

	mode := s.opts.Mode
	if !doc.IsText {
		mode = crew.ModeTool
	}

	c, err := crew.NewResearchCrew(crew.ResearchOptions{
		Mode:       mode,
		StagedPath: doc.StagedPath,
		Filename:   doc.Filename,
		ReportFile: filepath.Base(s.stager.ReportPath(req.Scope)),
		WorkDir:    s.stager.Dir(req.Scope),
		Reader:     s.stager.ReadText,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngine, err)
	}
	inputs := crew.Inputs{"topic": topic}
	if mode == crew.ModeContent {
		inputs["content"] = doc.Text
	}

	run := &domain.Run{
		ID:        uuid.NewString(),
		UserID:    req.Scope.UserID,
		SessionID: req.Scope.SessionID,
		Topic:     topic,
		Filename:  doc.Filename,
		Mode:      mode,
		Status:    domain.RunRunning,
		StartedAt: s.now().UTC(),
	}
	s.recordStart(ctx, run)

	log := s.logger.With("run_id", run.ID, "user_id", run.UserID, "session_id", run.SessionID)
	log.Info("Generation started", "topic_len", len(topic), "file", doc.Filename, "mime", doc.MimeType, "mode", mode)

	markdown, err := s.invoke(ctx, c, inputs)
	if err != nil {
		log.Warn("Generation failed", "error", err)
		s.recordFinish(ctx, run, domain.RunFailed, "", err.Error())
		return nil, err
	}

	path, err := s.stager.WriteReport(ctx, req.Scope, markdown)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrStaging, err)
		log.Error("Failed to write report", "error", err)
		s.recordFinish(ctx, run, domain.RunFailed, "", err.Error())
		return nil, err
	}

	s.recordFinish(ctx, run, domain.RunSucceeded, path, "")
	log.Info("Generation finished", "report", path, "bytes", len(markdown), "duration", s.now().Sub(run.StartedAt))

	return &Outcome{
		RunID:        run.ID,
		Markdown:     markdown,
		ReportPath:   path,
		DownloadName: s.opts.DownloadName,
		Mode:         mode,
	}, nil
}

func (s *Service) invoke(ctx context.Context, c *crew.Crew, inputs crew.Inputs) (string, error) {
	if s.opts.EngineTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.EngineTimeout)
		defer cancel()
	}

	res, err := s.engine.Kickoff(ctx, c, inputs)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEngine, err)
	}
	if res == nil || strings.TrimSpace(res.Raw) == "" {
		return "", ErrEmptyResult
	}
	return res.Raw, nil
}

func (s *Service) recordStart(ctx context.Context, run *domain.Run) {
	if s.runs == nil {
		return
	}
	err := shared.RetryOnConflict(ctx, "create run", s.opts.DBMaxRetries, s.opts.DBRetryBaseDelay, func(ctx context.Context) error {
		return s.runs.CreateRun(ctx, run)
	})
	if err != nil {
		s.logger.Warn("Failed to record run", "run_id", run.ID, "error", err)
	}
}

func (s *Service) recordFinish(ctx context.Context, run *domain.Run, status domain.RunStatus, reportPath, errMsg string) {
	finished := s.now().UTC()
	run.Status = status
	run.ReportPath = reportPath
	run.Error = errMsg
	run.FinishedAt = &finished
	if s.runs == nil {
		return
	}
	// The request context may already be cancelled by the engine timeout.
	ctx = context.WithoutCancel(ctx)
	err := shared.RetryOnConflict(ctx, "finish run", s.opts.DBMaxRetries, s.opts.DBRetryBaseDelay, func(ctx context.Context) error {
		return s.runs.FinishRun(ctx, run.ID, status, reportPath, errMsg, finished)
	})
	if err != nil && !errors.Is(err, store.ErrRunNotFound) {
		s.logger.Warn("Failed to finish run", "run_id", run.ID, "error", err)
	}
}

// OpenReport opens the current report for scope.
func (s *Service) OpenReport(scope staging.Scope) (*os.File, error) {
	f, err := s.stager.OpenReport(scope)
	if err != nil {
		return nil, wrapOpenErr(err)
	}
	return f, nil
}

// OpenRunReport opens the report written by a run owned by userID.
func (s *Service) OpenRunReport(ctx context.Context, userID, runID string) (*domain.Run, *os.File, error) {
	if s.runs == nil {
		return nil, nil, store.ErrRunNotFound
	}
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run.UserID != userID || run.Status != domain.RunSucceeded || run.ReportPath == "" {
		return nil, nil, store.ErrRunNotFound
	}
	f, err := s.stager.OpenFile(run.ReportPath)
	if err != nil {
		return nil, nil, wrapOpenErr(err)
	}
	return run, f, nil
}

// History returns the user's most recent runs.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*domain.Run, error) {
	if s.runs == nil {
		return []*domain.Run{}, nil
	}
	return s.runs.ListRuns(ctx, userID, limit)
}

func wrapOpenErr(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStaging, err)
}
