package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/catalog"
	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/health"
	"github.com/p-blackswan/agentforge/internal/metrics"
	"github.com/p-blackswan/agentforge/internal/orchestrator"
	"github.com/p-blackswan/agentforge/internal/profile"
	"github.com/p-blackswan/agentforge/internal/validation"
)

// fakeRuns is an in-memory Runs.
type fakeRuns struct {
	mu        sync.Mutex
	cat       *catalog.Catalog
	runs      map[string]orchestrator.WorkflowRun
	started   []string
	cancelled []string
	deleted   []string
}

func newFakeRuns(t *testing.T) *fakeRuns {
	t.Helper()
	cat, err := catalog.New("test", []*catalog.Descriptor{
		{ID: "backend-go", Name: "Backend", Variant: catalog.VariantBackend, Languages: []string{"go"}},
		{ID: "docs-writer", Name: "Docs", Variant: catalog.VariantDocs},
	})
	require.NoError(t, err)
	return &fakeRuns{cat: cat, runs: map[string]orchestrator.WorkflowRun{}}
}

func (f *fakeRuns) add(run orchestrator.WorkflowRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.RunID] = run
}

func (f *fakeRuns) Start(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("run-%d", len(f.started)+1)
	f.started = append(f.started, path)
	f.runs[id] = orchestrator.WorkflowRun{RunID: id, ProjectPath: path, Phase: orchestrator.PhaseAnalysis, CreatedAt: time.Now()}
	return id, nil
}

func (f *fakeRuns) GetStatus(_ context.Context, id string) (orchestrator.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return orchestrator.WorkflowRun{}, fmt.Errorf("run %s: %w", id, ferrors.ErrRunNotFound)
	}
	return run, nil
}

func (f *fakeRuns) List(context.Context, int) ([]orchestrator.WorkflowRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []orchestrator.WorkflowRun
	for _, r := range f.runs {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRuns) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeRuns) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.runs, id)
	return nil
}

func (f *fakeRuns) Revalidate(_ context.Context, id string) (*validation.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, ferrors.ErrRunNotFound
	}
	if run.Phase != orchestrator.PhaseCommitted {
		return nil, ferrors.Validation("revalidate", ferrors.ErrInvalidTransition)
	}
	return &validation.Report{Artifacts: []validation.ArtifactReport{{TemplateID: "backend-go", Required: true, Passed: []string{"syntax", "integrity"}}}}, nil
}

func (f *fakeRuns) Catalog() *catalog.Catalog { return f.cat }

var goAnalyzer = profile.AnalyzerFunc(func(_ context.Context, root string) (*profile.Profile, error) {
	return profile.New(profile.Profile{Root: root, Languages: []string{"go"}, FileCount: 3, LOC: 120}), nil
})

type testOpts struct {
	cfg     ServerConfig
	events  EventLog
	checker *health.Checker
	metrics *metrics.Metrics
}

func testApp(t *testing.T, runs *fakeRuns, opts testOpts) *fiber.App {
	t.Helper()
	if opts.cfg.Auth.Mode == "" {
		opts.cfg.Auth.Mode = AuthNone
	}
	srv, err := NewServer(opts.cfg, Deps{
		Runs:     runs,
		Analyzer: goAnalyzer,
		Events:   opts.events,
		Checker:  opts.checker,
		Metrics:  opts.metrics,
	}, zerolog.Nop())
	require.NoError(t, err)
	return srv.App()
}

func do(t *testing.T, app *fiber.App, method, path, body string, header ...string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestServer_Probes(t *testing.T) {
	checker := health.NewChecker(zerolog.Nop())
	checker.Register("store", health.PingCheck(func(context.Context) error { return nil }))
	app := testApp(t, newFakeRuns(t), testOpts{checker: checker})

	resp := do(t, app, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, resp)["status"])

	resp = do(t, app, "GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_ReadinessDown(t *testing.T) {
	checker := health.NewChecker(zerolog.Nop())
	checker.Register("store", health.PingCheck(func(context.Context) error { return errors.New("closed") }))
	app := testApp(t, newFakeRuns(t), testOpts{checker: checker})

	resp := do(t, app, "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_Metrics(t *testing.T) {
	m := metrics.New()
	m.RecordRun("committed")
	app := testApp(t, newFakeRuns(t), testOpts{metrics: m})

	resp := do(t, app, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `forge_runs_total{outcome="committed"} 1`)
}

func TestServer_StartRun(t *testing.T) {
	runs := newFakeRuns(t)
	app := testApp(t, runs, testOpts{})
	project := t.TempDir()

	resp := do(t, app, "POST", "/api/v1/runs", fmt.Sprintf(`{"project_path":%q}`, project))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decode[StartRunResponse](t, resp)
	assert.Equal(t, "run-1", out.RunID)
	assert.Equal(t, "/api/v1/runs/run-1", out.StatusURL)
	assert.Equal(t, []string{project}, runs.started)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServer_StartRun_BadRequests(t *testing.T) {
	root := t.TempDir()
	app := testApp(t, newFakeRuns(t), testOpts{cfg: ServerConfig{ProjectRoot: root}})

	tests := []struct {
		name     string
		body     string
		wantType string
	}{
		{name: "malformed", body: `{`, wantType: "invalid_body"},
		{name: "missing path", body: `{}`, wantType: "invalid_project"},
		{name: "outside root", body: `{"project_path":"/etc"}`, wantType: "invalid_project"},
		{name: "escapes root", body: fmt.Sprintf(`{"project_path":%q}`, filepath.Join(root, "..", "x")), wantType: "invalid_project"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, app, "POST", "/api/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
			p := decode[ProblemDetail](t, resp)
			assert.Equal(t, tt.wantType, p.Type)
			assert.Equal(t, "/api/v1/runs", p.Instance)
		})
	}

	resp := do(t, app, "POST", "/api/v1/runs", fmt.Sprintf(`{"project_path":%q}`, filepath.Join(root, "svc")))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestServer_GetAndListRuns(t *testing.T) {
	runs := newFakeRuns(t)
	now := time.Now().UTC()
	runs.add(orchestrator.WorkflowRun{RunID: "a", Phase: orchestrator.PhaseCommitted, CreatedAt: now,
		Committed: []orchestrator.CommittedArtifact{{TemplateID: "backend-go"}}})
	runs.add(orchestrator.WorkflowRun{RunID: "b", Phase: orchestrator.PhaseFailed, CreatedAt: now,
		Failure: &orchestrator.Failure{Kind: ferrors.KindSelection, Reason: "nothing matched"}})
	app := testApp(t, runs, testOpts{})

	resp := do(t, app, "GET", "/api/v1/runs/a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[orchestrator.WorkflowRun](t, resp)
	assert.Equal(t, orchestrator.PhaseCommitted, run.Phase)

	resp = do(t, app, "GET", "/api/v1/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "run_not_found", decode[ProblemDetail](t, resp).Type)

	resp = do(t, app, "GET", "/api/v1/runs?phase=failed", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListRunsResponse](t, resp)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "b", list.Runs[0].RunID)
	assert.Equal(t, ferrors.KindSelection, list.Runs[0].Failure.Kind)

	resp = do(t, app, "GET", "/api/v1/runs?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_DeleteRun(t *testing.T) {
	runs := newFakeRuns(t)
	runs.add(orchestrator.WorkflowRun{RunID: "active", Phase: orchestrator.PhaseGeneration})
	runs.add(orchestrator.WorkflowRun{RunID: "done", Phase: orchestrator.PhaseCommitted})
	app := testApp(t, runs, testOpts{})

	resp := do(t, app, "DELETE", "/api/v1/runs/active", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"active"}, runs.cancelled)
	assert.Empty(t, runs.deleted)

	resp = do(t, app, "DELETE", "/api/v1/runs/done", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"done"}, runs.deleted)

	resp = do(t, app, "DELETE", "/api/v1/runs/done", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Revalidate(t *testing.T) {
	runs := newFakeRuns(t)
	runs.add(orchestrator.WorkflowRun{RunID: "ok", Phase: orchestrator.PhaseCommitted})
	runs.add(orchestrator.WorkflowRun{RunID: "failed", Phase: orchestrator.PhaseFailed})
	app := testApp(t, runs, testOpts{})

	resp := do(t, app, "POST", "/api/v1/runs/ok/validate", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "1 artifacts: 1 passed, 0 blocking-failed, 0 warnings", body["summary"])

	resp = do(t, app, "POST", "/api/v1/runs/failed/validate", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestServer_Analyze(t *testing.T) {
	app := testApp(t, newFakeRuns(t), testOpts{})

	resp := do(t, app, "POST", "/api/v1/analyze", fmt.Sprintf(`{"project_path":%q}`, t.TempDir()))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[AnalyzeResponse](t, resp)
	assert.Equal(t, []string{"go"}, out.Profile.Languages)
	require.Len(t, out.Matches, 2)
	assert.Empty(t, out.SelectionError)
}

func TestServer_Templates(t *testing.T) {
	app := testApp(t, newFakeRuns(t), testOpts{})

	resp := do(t, app, "GET", "/api/v1/templates", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[TemplatesResponse](t, resp)
	assert.Equal(t, "test", out.Version)
	assert.Len(t, out.Templates, 2)
}

func TestServer_Events(t *testing.T) {
	b, err := bus.New(t.TempDir(), bus.Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	for _, ev := range []bus.Event{
		{RunID: "r1", Phase: "ANALYSIS", Summary: "started"},
		{RunID: "r2", Phase: "ANALYSIS", Summary: "started"},
		{RunID: "r1", Phase: "SELECTION", Summary: "selected"},
	} {
		require.NoError(t, b.Publish(t.Context(), ev))
	}
	app := testApp(t, newFakeRuns(t), testOpts{events: b})

	resp := do(t, app, "GET", "/api/v1/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	all := decode[EventsResponse](t, resp)
	require.Len(t, all.Events, 3)
	assert.Positive(t, all.NextOffset)

	resp = do(t, app, "GET", fmt.Sprintf("/api/v1/events?offset=%d", all.Events[1].Seq), "")
	tail := decode[EventsResponse](t, resp)
	require.Len(t, tail.Events, 2)
	assert.Equal(t, all.NextOffset, tail.NextOffset)

	resp = do(t, app, "GET", "/api/v1/events?run_id=r1", "")
	byRun := decode[EventsResponse](t, resp)
	require.Len(t, byRun.Events, 2)
	assert.Equal(t, "SELECTION", byRun.Events[1].Phase)

	resp = do(t, app, "GET", fmt.Sprintf("/api/v1/events?offset=%d", all.NextOffset), "")
	empty := decode[EventsResponse](t, resp)
	assert.NotNil(t, empty.Events)
	assert.Empty(t, empty.Events)
}

func TestServer_UnknownRoute(t *testing.T) {
	app := testApp(t, newFakeRuns(t), testOpts{})
	resp := do(t, app, "GET", "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "http_error", decode[ProblemDetail](t, resp).Type)
}

func TestServer_RateLimit(t *testing.T) {
	app := testApp(t, newFakeRuns(t), testOpts{cfg: ServerConfig{RateLimit: RateLimitConfig{RPS: 1, Burst: 1}}})

	assert.Equal(t, http.StatusOK, do(t, app, "GET", "/api/v1/templates", "").StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, do(t, app, "GET", "/api/v1/templates", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, app, "GET", "/healthz", "").StatusCode, "probes are not limited")
}

func TestNewServer_RequiresRuns(t *testing.T) {
	_, err := NewServer(ServerConfig{}, Deps{}, zerolog.Nop())
	assert.Error(t, err)
}
