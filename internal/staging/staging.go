// Package staging persists uploaded documents and generated reports to the
// local staging directory.
package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashureev/educator/internal/domain"
	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrNoContent means the upload is empty once decoded and trimmed.
	ErrNoContent = errors.New("uploaded file has no content")
	// ErrUnsupportedType means the upload is neither plain text nor PDF.
	ErrUnsupportedType = errors.New("only .txt and .pdf files are supported")
	// ErrFileTooLarge means the upload exceeds the configured limit.
	ErrFileTooLarge = errors.New("uploaded file is too large")
	// ErrInvalidFilename means no usable base name could be derived.
	ErrInvalidFilename = errors.New("invalid file name")
	// ErrIO wraps filesystem failures while staging or reading files.
	ErrIO = errors.New("staging i/o error")
)

const utf8BOM = "\xef\xbb\xbf"

// Scope identifies whose files are addressed. It only affects paths when
// per-session isolation is enabled.
type Scope struct {
	UserID    string
	SessionID string
}

// Options configures a Stager.
type Options struct {
	Dir            string
	ReportFile     string
	MaxUploadBytes int64
	PerSession     bool
}

// Stager writes uploads and reports under a single staging directory.
type Stager struct {
	dir        string
	reportFile string
	maxBytes   int64
	perSession bool
}

// New creates a Stager. The directory is created lazily on first write.
func New(opts Options) *Stager {
	reportFile := opts.ReportFile
	if reportFile == "" {
		reportFile = "report.txt"
	}
	return &Stager{
		dir:        opts.Dir,
		reportFile: reportFile,
		maxBytes:   opts.MaxUploadBytes,
		perSession: opts.PerSession,
	}
}

// Root returns the top-level staging directory.
func (s *Stager) Root() string {
	return s.dir
}

// Dir returns the directory used for the given scope.
func (s *Stager) Dir(scope Scope) string {
	if !s.perSession || scope.UserID == "" {
		return s.dir
	}
	session := scope.SessionID
	if session == "" {
		session = "default"
	}
	return filepath.Join(s.dir, safeSegment(scope.UserID), safeSegment(session))
}

// ReportPath returns where the report for scope is written.
func (s *Stager) ReportPath(scope Scope) string {
	return filepath.Join(s.Dir(scope), s.reportFile)
}

// Stage validates an upload and writes it to <dir>/<base name>. Nothing is
// written when validation fails.
func (s *Stager) Stage(ctx context.Context, scope Scope, filename string, r io.Reader) (*domain.SourceDocument, error) {
	name, err := sanitizeFilename(filename)
	if err != nil {
		return nil, err
	}
	if name == s.reportFile {
		return nil, fmt.Errorf("%w: %q is reserved for the generated report", ErrInvalidFilename, name)
	}

	data, err := s.readLimited(r)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := inspect(name, data)
	if err != nil {
		return nil, err
	}

	dir := s.Dir(scope)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: create staging directory: %v", ErrIO, err)
	}
	doc.StagedPath = filepath.Join(dir, name)
	if err := os.WriteFile(doc.StagedPath, data, 0644); err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrIO, doc.StagedPath, err)
	}

	return doc, nil
}

// WriteReport replaces the scope's report file with text and returns its path.
func (s *Stager) WriteReport(_ context.Context, scope Scope, text string) (string, error) {
	dir := s.Dir(scope)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: create staging directory: %v", ErrIO, err)
	}

	tmp, err := os.CreateTemp(dir, "."+s.reportFile+".*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp report: %v", ErrIO, err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := io.WriteString(tmp, text); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("%w: write report: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("%w: close report: %v", ErrIO, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return "", fmt.Errorf("%w: chmod report: %v", ErrIO, err)
	}

	path := s.ReportPath(scope)
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("%w: publish report: %v", ErrIO, err)
	}
	return path, nil
}

// OpenReport opens the scope's report for streaming.
func (s *Stager) OpenReport(scope Scope) (*os.File, error) {
	return s.OpenFile(s.ReportPath(scope))
}

// OpenFile opens a file that must live inside the staging directory.
func (s *Stager) OpenFile(path string) (*os.File, error) {
	if !s.contains(path) {
		return nil, fmt.Errorf("%w: %s is outside the staging directory", ErrIO, path)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
	}
	return f, nil
}

// ReadText returns the UTF-8 text of a staged file. PDFs are rejected since
// their extraction is left to the engine.
func (s *Stager) ReadText(path string) (string, error) {
	f, err := s.OpenFile(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrIO, path, err)
	}
	doc, err := inspect(filepath.Base(path), data)
	if err != nil {
		return "", err
	}
	if !doc.IsText {
		return "", fmt.Errorf("%w: %s is %s, not text", ErrUnsupportedType, doc.Filename, doc.MimeType)
	}
	return doc.Text, nil
}

// CheckDir returns an error unless dir is the staging directory or lies
// inside it.
func (s *Stager) CheckDir(dir string) error {
	if dir == "" || !s.contains(dir) {
		return fmt.Errorf("%w: %s is outside the staging directory", ErrIO, dir)
	}
	return nil
}

func (s *Stager) readLimited(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, ErrNoContent
	}
	limit := s.maxBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read upload: %v", ErrIO, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFileTooLarge, limit)
	}
	return data, nil
}

func (s *Stager) contains(path string) bool {
	root, err := filepath.Abs(s.dir)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// inspect sniffs the upload and decodes text. It does not touch the disk.
func inspect(name string, data []byte) (*domain.SourceDocument, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNoContent
	}

	mtype := mimetype.Detect(data)
	ext := strings.ToLower(filepath.Ext(name))

	doc := &domain.SourceDocument{
		Filename: name,
		MimeType: mtype.String(),
		Size:     int64(len(data)),
	}

	switch {
	case ext == ".pdf" && mtype.Is("application/pdf"):
		return doc, nil
	case ext == ".txt" && isText(mtype):
		text := strings.TrimPrefix(string(data), utf8BOM)
		text = strings.ToValidUTF8(text, "�")
		if strings.TrimSpace(text) == "" {
			return nil, ErrNoContent
		}
		doc.IsText = true
		doc.Text = text
		return doc, nil
	default:
		return nil, fmt.Errorf("%w: got %s (%s)", ErrUnsupportedType, name, mtype.String())
	}
}

func isText(mtype *mimetype.MIME) bool {
	for t := mtype; t != nil; t = t.Parent() {
		if t.Is("text/plain") {
			return true
		}
	}
	return false
}

func sanitizeFilename(filename string) (string, error) {
	name := strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/")
	name = filepath.Base(name)
	switch name {
	case "", ".", "..", "/":
		return "", ErrInvalidFilename
	}
	if strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: hidden files are not accepted", ErrInvalidFilename)
	}
	return name, nil
}

func safeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
