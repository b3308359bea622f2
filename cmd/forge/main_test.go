package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/orchestrator"
)

const testCatalog = `version: "cli-test"
templates:
  - id: backend-go
    name: Go Backend
    description: Builds Go services.
    variant: backend
    languages: [go]
    rules:
      - kind: language_in
        values: [go]
    permissions: [read, write]
    resources:
      token_budget: 1000
      tools: [go]
`

// setup isolates the workspace and catalog and returns a tiny Go project.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(testCatalog), 0o644))

	t.Setenv("FORGE_WORKSPACE", filepath.Join(dir, "ws"))
	t.Setenv("FORGE_CATALOG_PATH", catalogPath)
	t.Setenv("FORGE_SELECTION_THRESHOLD", "0")
	t.Setenv("FORGE_WORKERS", "2")
	t.Setenv("FORGE_NATS_URL", "")
	t.Setenv("FORGE_JWT_SECRET", "")

	project := filepath.Join(dir, "project")
	require.NoError(t, os.MkdirAll(project, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "go.mod"),
		[]byte("module example.com/svc\n\ngo 1.24\n\nrequire github.com/spf13/cobra v1.8.0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "main.go"),
		[]byte("package main\n\nfunc main() {}\n"), 0o644))
	return project
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return out.String(), err
}

func forge(t *testing.T, project string) orchestrator.WorkflowRun {
	t.Helper()
	out, err := execute(t, "--json", "forge", project)
	require.NoError(t, err)
	var run orchestrator.WorkflowRun
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	return run
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitFailure, exitCode(errRunFailed))
	assert.Equal(t, exitUsage, exitCode(usageError("bad %s", "input")))
	assert.EqualError(t, usageError("bad %s", "input"), "bad input")
}

func TestUsageErrors(t *testing.T) {
	setup(t)
	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown command", args: []string{"frobnicate"}},
		{name: "unknown command with flags", args: []string{"frobnicate", "--json"}},
		{name: "missing path", args: []string{"forge"}},
		{name: "extra argument", args: []string{"status", "a", "b"}},
		{name: "unknown flag", args: []string{"templates", "--bogus"}},
		{name: "threshold out of range", args: []string{"templates", "--threshold", "2"}},
		{name: "negative limit", args: []string{"runs", "--limit", "-1"}},
		{name: "token without secret", args: []string{"token"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, exitUsage, exitCode(err))
		})
	}
}

func TestTemplates(t *testing.T) {
	setup(t)
	out, err := execute(t, "--json", "templates")
	require.NoError(t, err)

	var resp struct {
		Version   string `json:"version"`
		Templates []struct {
			ID string `json:"id"`
		} `json:"templates"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "cli-test", resp.Version)
	require.Len(t, resp.Templates, 1)
	assert.Equal(t, "backend-go", resp.Templates[0].ID)

	out, err = execute(t, "templates")
	require.NoError(t, err)
	assert.Contains(t, out, "backend-go")
}

func TestAnalyze(t *testing.T) {
	project := setup(t)
	out, err := execute(t, "analyze", project, "--select")
	require.NoError(t, err)

	var resp struct {
		Profile struct {
			Languages  []string `json:"languages"`
			Frameworks []string `json:"frameworks"`
		} `json:"profile"`
		Matches []struct {
			TemplateID string `json:"template_id"`
		} `json:"matches"`
		SelectionError string `json:"selection_error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, []string{"go"}, resp.Profile.Languages)
	assert.Contains(t, resp.Profile.Frameworks, "cobra")
	assert.Empty(t, resp.SelectionError)
	require.Len(t, resp.Matches, 1)
	assert.Equal(t, "backend-go", resp.Matches[0].TemplateID)
}

func TestAnalyze_MissingProject(t *testing.T) {
	setup(t)
	_, err := execute(t, "analyze", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestForge_CommitsAndPersists(t *testing.T) {
	project := setup(t)
	run := forge(t, project)
	assert.Equal(t, orchestrator.PhaseCommitted, run.Phase)
	require.Len(t, run.Committed, 1)
	assert.FileExists(t, filepath.Join(project, ".agents", "backend-go.yaml"))
	assert.FileExists(t, filepath.Join(project, ".agents", orchestrator.ManifestFile))

	out, err := execute(t, "--json", "status", run.RunID)
	require.NoError(t, err)
	var status orchestrator.WorkflowRun
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, run.RunID, status.RunID)
	assert.Equal(t, orchestrator.PhaseCommitted, status.Phase)

	out, err = execute(t, "status", run.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, run.RunID)
	assert.Contains(t, out, "COMMITTED")

	out, err = execute(t, "validate", run.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "backend-go")

	out, err = execute(t, "--json", "runs", "--phase", "committed")
	require.NoError(t, err)
	var runs []orchestrator.WorkflowRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunID, runs[0].RunID)
}

func TestForge_SecondRunLeavesArtifactsUnchanged(t *testing.T) {
	project := setup(t)
	forge(t, project)
	second := forge(t, project)
	require.Len(t, second.Committed, 1)
	assert.True(t, second.Committed[0].Unchanged)
}

func TestForge_FailedRunExitsOne(t *testing.T) {
	project := setup(t)
	pythonOnly := filepath.Join(t.TempDir(), "python.yaml")
	require.NoError(t, os.WriteFile(pythonOnly, []byte(strings.ReplaceAll(testCatalog, "[go]", "[python]")), 0o644))
	t.Setenv("FORGE_CATALOG_PATH", pythonOnly)

	out, err := execute(t, "forge", project)
	require.ErrorIs(t, err, errRunFailed)
	assert.Equal(t, exitFailure, exitCode(err))
	assert.Contains(t, out, "FAILED")
}

func TestStatus_UnknownRun(t *testing.T) {
	setup(t)
	_, err := execute(t, "status", "no-such-run")
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestEvents_FilterByRun(t *testing.T) {
	project := setup(t)
	first := forge(t, project)
	forge(t, project)

	out, err := execute(t, "--json", "events", "--run", first.RunID)
	require.NoError(t, err)

	dec := json.NewDecoder(strings.NewReader(out))
	var events []bus.Event
	for dec.More() {
		var ev bus.Event
		require.NoError(t, dec.Decode(&ev))
		events = append(events, ev)
	}
	phases := make([]string, len(events))
	for i, ev := range events {
		assert.Equal(t, first.RunID, ev.RunID)
		phases[i] = ev.Phase
	}
	assert.Equal(t, []string{"ANALYSIS", "SELECTION", "GENERATION", "VALIDATION", "COMMITTED"}, phases)
}

func TestToken(t *testing.T) {
	setup(t)
	t.Setenv("FORGE_JWT_SECRET", "cli-test-secret")

	out, err := execute(t, "token", "--role", "operator", "--subject", "ci")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)

	_, err = execute(t, "token", "--role", "root")
	assert.Equal(t, exitUsage, exitCode(err))
}
