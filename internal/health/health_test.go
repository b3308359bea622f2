package health

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) (Status, error)       { return StatusOK, nil }
func down(context.Context) (Status, error)     { return StatusDown, errors.New("unreachable") }
func degraded(context.Context) (Status, error) { return StatusDegraded, nil }

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", ok)
	c.Register("bus", ok)

	assert.True(t, c.IsReady(t.Context()))
	assert.Equal(t, []string{"bus", "store"}, c.Names())
	assert.Len(t, c.Last(), 2)
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", ok)
	c.Register("bus", down)

	assert.False(t, c.IsReady(t.Context()))
	assert.Equal(t, "unreachable", c.Last()["bus"].Error)
}

func TestChecker_DegradedStillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", degraded)
	assert.True(t, c.IsReady(t.Context()))
}

func TestChecker_ErrorWithOKIsDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", func(context.Context) (Status, error) { return StatusOK, errors.New("boom") })
	results := c.RunAll(t.Context())
	assert.Equal(t, StatusDown, results["store"].Status)
}

func TestChecker_NoChecks(t *testing.T) {
	assert.True(t, NewChecker(zerolog.Nop()).IsReady(t.Context()))
}

func TestPingCheck(t *testing.T) {
	status, err := PingCheck(func(context.Context) error { return nil })(t.Context())
	assert.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	status, err = PingCheck(func(context.Context) error { return errors.New("closed") })(t.Context())
	assert.Error(t, err)
	assert.Equal(t, StatusDown, status)
}

func TestWritableDirCheck(t *testing.T) {
	dir := t.TempDir()
	status, err := WritableDirCheck(dir, 0)(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")

	status, err = WritableDirCheck(dir, ^uint64(0))(t.Context())
	assert.Error(t, err)
	assert.Equal(t, StatusDegraded, status)

	status, _ = WritableDirCheck(filepath.Join(dir, "missing"), 0)(t.Context())
	assert.Equal(t, StatusDown, status)
}

func newApp(c *Checker) *fiber.App {
	app := fiber.New()
	app.Get("/healthz", LivenessHandler)
	app.Get("/readyz", c.ReadinessHandler)
	return app
}

func TestHandlers(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", ok)
	app := newApp(c)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/healthz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/readyz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"status":"ready"`)

	c.Register("bus", down)
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/readyz", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "not_ready")
}
