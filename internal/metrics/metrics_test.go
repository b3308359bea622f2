package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Record(t *testing.T) {
	m := New()
	m.RecordRun("committed")
	m.RecordRun("committed")
	m.RecordTask("failed")
	m.RecordHandoff("consume", "already_consumed")
	m.RecordFinding("syntax", "blocking")
	m.RecordError("bus", "communication")
	m.ObservePhase("GENERATION", 0.2)
	m.RunStarted()

	body := scrape(t, m)
	assert.Contains(t, body, `forge_runs_total{outcome="committed"} 2`)
	assert.Contains(t, body, `forge_generation_tasks_total{status="failed"} 1`)
	assert.Contains(t, body, `forge_handoffs_total{op="consume",result="already_consumed"} 1`)
	assert.Contains(t, body, `forge_validation_findings_total{severity="blocking",validator="syntax"} 1`)
	assert.Contains(t, body, `forge_errors_total{module="bus",type="communication"} 1`)
	assert.Contains(t, body, `forge_phase_duration_seconds_count{phase="GENERATION"} 1`)
	assert.Contains(t, body, "forge_runs_active 1")

	m.RunFinished()
	assert.Contains(t, scrape(t, m), "forge_runs_active 0")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRun("failed")
		m.RecordTask("succeeded")
		m.RecordHandoff("create", "ok")
		m.RecordFinding("permission", "blocking")
		m.RecordError("store", "internal")
		m.ObservePhase("ANALYSIS", 1)
		m.RunStarted()
		m.RunFinished()
	})
}

func TestMetrics_PrivateRegistry(t *testing.T) {
	a, b := New(), New()
	a.RecordRun("failed")
	assert.NotContains(t, scrape(t, b), `outcome="failed"`)
	families, err := a.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
