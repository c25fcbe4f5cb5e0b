package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/educator/internal/crew"
	"github.com/ashureev/educator/internal/domain"
	"github.com/ashureev/educator/internal/identity"
	"github.com/ashureev/educator/internal/pipeline"
	"github.com/ashureev/educator/internal/staging"
	"github.com/ashureev/educator/internal/store"
	"github.com/go-chi/chi/v5"
)

type fakeEngine struct {
	mu     sync.Mutex
	calls  int
	inputs crew.Inputs
	result *crew.Result
	err    error
}

func (f *fakeEngine) Kickoff(ctx context.Context, _ *crew.Crew, inputs crew.Inputs) (*crew.Result, error) {
	crew.Emit(ctx, crew.Event{Kind: crew.EventKickoffStarted})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.inputs = inputs
	return f.result, f.err
}

type fakeRepo struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
	ping error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{runs: make(map[string]*domain.Run)}
}

func (f *fakeRepo) CreateRun(_ context.Context, run *domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeRepo) FinishRun(_ context.Context, runID string, status domain.RunStatus, reportPath, errMsg string, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return store.ErrRunNotFound
	}
	run.Status, run.ReportPath, run.Error, run.FinishedAt = status, reportPath, errMsg, &finishedAt
	return nil
}

func (f *fakeRepo) GetRun(_ context.Context, runID string) (*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRepo) ListRuns(_ context.Context, userID string, limit int) ([]*domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Run
	for _, run := range f.runs {
		if run.UserID == userID && len(out) < limit {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.ping }

type recordingObservers struct {
	mu     sync.Mutex
	events []crew.Event
}

func (o *recordingObservers) Observer(string, string) crew.Observer {
	return func(ev crew.Event) {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.events = append(o.events, ev)
	}
}

const testUser = "anon_0123456789abcdef0123456789abcdef"

type testEnv struct {
	router http.Handler
	engine *fakeEngine
	repo   *fakeRepo
	dir    string
}

func newTestEnv(t *testing.T, engine *fakeEngine, observers ObserverSource) *testEnv {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "temp")
	repo := newFakeRepo()
	stager := staging.New(staging.Options{Dir: dir, MaxUploadBytes: 1 << 10})
	svc := pipeline.NewService(stager, engine, repo, pipeline.Options{}, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), testUser, "tab-1")))
		})
	})
	NewHandler(svc, observers, 1<<10, nil).RegisterRoutes(r)
	NewHealthHandler(repo, nil, time.Second).RegisterHealth(r)
	return &testEnv{router: r, engine: engine, repo: repo, dir: dir}
}

func multipartBody(t *testing.T, topic, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	mw := multipart.NewWriter(body)
	if err := mw.WriteField("topic", topic); err != nil {
		t.Fatal(err)
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return body, mw.FormDataContentType()
}

func (e *testEnv) generate(t *testing.T, topic, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	body, ctype := multipartBody(t, topic, filename, content)
	req := httptest.NewRequest(http.MethodPost, "/api/generate", body)
	req.Header.Set("Content-Type", ctype)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

const reportMarkdown = "# Photosynthesis\n\n- Light is absorbed by **chlorophyll**.\n"

func TestGenerateAndDownloadMatch(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{result: &crew.Result{Raw: reportMarkdown}}, nil)

	w := env.generate(t, "Photosynthesis", "bio.txt", "Plants use sunlight.")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp generateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Markdown != reportMarkdown {
		t.Errorf("markdown not returned verbatim: %q", resp.Markdown)
	}
	if !strings.Contains(resp.HTML, "<h1>Photosynthesis</h1>") || !strings.Contains(resp.HTML, "<strong>chlorophyll</strong>") {
		t.Errorf("unexpected html %q", resp.HTML)
	}
	if resp.DownloadName != "article.txt" || resp.RunID == "" {
		t.Errorf("unexpected response %+v", resp)
	}

	if _, err := os.Stat(filepath.Join(env.dir, "report.txt")); err != nil {
		t.Fatalf("report should exist before download is offered: %v", err)
	}

	dl := env.get(resp.DownloadURL)
	if dl.Code != http.StatusOK {
		t.Fatalf("download failed: %d", dl.Code)
	}
	if dl.Body.String() != resp.Markdown {
		t.Errorf("downloaded bytes differ from displayed markdown")
	}
	if ct := dl.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := dl.Header().Get("Content-Disposition"); cd != `attachment; filename="article.txt"` {
		t.Errorf("unexpected disposition %q", cd)
	}

	byRun := env.get("/api/runs/" + resp.RunID + "/download")
	if byRun.Code != http.StatusOK || byRun.Body.String() != reportMarkdown {
		t.Errorf("run download failed: %d %q", byRun.Code, byRun.Body.String())
	}
}

func TestGenerateInputErrors(t *testing.T) {
	tests := []struct {
		name     string
		topic    string
		filename string
		content  string
		want     string
	}{
		{"missing file", "Photosynthesis", "", "", pipeline.ErrMissingFile.Error()},
		{"missing topic", " ", "bio.txt", "text", pipeline.ErrMissingTopic.Error()},
		{"empty file", "Photosynthesis", "bio.txt", "   ", pipeline.ErrNoContent.Error()},
		{"wrong type", "Photosynthesis", "tool.exe", "MZ\x90\x00binary", "only .txt and .pdf"},
		{"too large", "Photosynthesis", "bio.txt", strings.Repeat("a", 2<<10), pipeline.ErrFileTooLarge.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, &fakeEngine{result: &crew.Result{Raw: reportMarkdown}}, nil)

			w := env.generate(t, tt.topic, tt.filename, tt.content)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
			var body map[string]string
			_ = json.NewDecoder(w.Body).Decode(&body)
			if !strings.Contains(body["error"], tt.want) {
				t.Errorf("expected error containing %q, got %q", tt.want, body["error"])
			}
			if env.engine.calls != 0 {
				t.Error("engine must not be invoked")
			}
			if dl := env.get("/api/report/download"); dl.Code != http.StatusNotFound {
				t.Errorf("no download should be offered, got %d", dl.Code)
			}
		})
	}
}

func TestGenerateEngineFailure(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{err: errors.New("401 invalid api key")}, nil)

	w := env.generate(t, "Photosynthesis", "bio.txt", "Plants use sunlight.")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if !strings.HasPrefix(body["error"], "An error occurred: ") || !strings.Contains(body["error"], "invalid api key") {
		t.Errorf("unexpected error %q", body["error"])
	}
	if dl := env.get("/api/report/download"); dl.Code != http.StatusNotFound {
		t.Errorf("no download should be offered, got %d", dl.Code)
	}
}

func TestGenerateAttachesObserver(t *testing.T) {
	obs := &recordingObservers{}
	env := newTestEnv(t, &fakeEngine{result: &crew.Result{Raw: reportMarkdown}}, obs)

	if w := env.generate(t, "Photosynthesis", "bio.txt", "Plants use sunlight."); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(obs.events) != 1 || obs.events[0].Kind != crew.EventKickoffStarted {
		t.Errorf("engine events not forwarded: %+v", obs.events)
	}
}

func TestListRuns(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{result: &crew.Result{Raw: reportMarkdown}}, nil)
	if w := env.generate(t, "Photosynthesis", "bio.txt", "Plants use sunlight."); w.Code != http.StatusOK {
		t.Fatalf("generate failed: %d", w.Code)
	}

	w := env.get("/api/runs")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Runs []runView `json:"runs"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Runs) != 1 || body.Runs[0].Topic != "Photosynthesis" || body.Runs[0].Status != domain.RunSucceeded {
		t.Fatalf("unexpected runs %+v", body.Runs)
	}
	if body.Runs[0].DownloadURL == "" {
		t.Error("succeeded run should have a download url")
	}

	if w := env.get("/api/runs?limit=abc"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
	if w := env.get("/api/runs/unknown/download"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{}, nil)
	if w := env.get("/health"); w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	env.repo.ping = errors.New("database is closed")
	w := env.get("/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "degraded") {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}

func TestGetConfig(t *testing.T) {
	env := newTestEnv(t, &fakeEngine{}, nil)
	w := env.get("/api/config")
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["download_name"] != "article.txt" || body["integration_mode"] != crew.ModeContent {
		t.Errorf("unexpected config %v", body)
	}
}
