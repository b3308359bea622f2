package api

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/catalog"
	"github.com/p-blackswan/agentforge/internal/orchestrator"
	"github.com/p-blackswan/agentforge/internal/profile"
	"github.com/p-blackswan/agentforge/internal/selector"
	"github.com/p-blackswan/agentforge/internal/validation"
)

// Runs is the orchestrator surface the API drives.
type Runs interface {
	Start(ctx context.Context, projectPath string) (string, error)
	GetStatus(ctx context.Context, runID string) (orchestrator.WorkflowRun, error)
	List(ctx context.Context, limit int) ([]orchestrator.WorkflowRun, error)
	Cancel(ctx context.Context, runID string) error
	Delete(ctx context.Context, runID string) error
	Revalidate(ctx context.Context, runID string) (*validation.Report, error)
	Catalog() *catalog.Catalog
}

// EventLog reads the broadcast event log.
type EventLog interface {
	ReadEvents(offset int64) ([]bus.Event, int64, error)
}

const maxEventsPerPage = 500

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	runs        Runs
	analyzer    profile.Analyzer
	selection   selector.Config
	events      EventLog
	projectRoot string
	logger      zerolog.Logger
}

// resolveProject validates a requested project path against the root.
func (h *Handlers) resolveProject(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("project_path is required")
	}
	path, err := filepath.Abs(raw)
	if err != nil {
		return "", err
	}
	if h.projectRoot == "" {
		return path, nil
	}
	rel, err := filepath.Rel(h.projectRoot, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("project_path must be inside %s", h.projectRoot)
	}
	return path, nil
}

// parseProject returns the resolved path, or "" after writing a problem
// response whose send error is returned.
func (h *Handlers) parseProject(c *fiber.Ctx) (string, error) {
	var req ProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return "", problemResponse(c, fiber.StatusBadRequest,
			"invalid_body", "Bad Request", "Invalid request body: "+err.Error())
	}
	path, err := h.resolveProject(req.ProjectPath)
	if err != nil {
		return "", problemResponse(c, fiber.StatusBadRequest, "invalid_project", "Bad Request", err.Error())
	}
	return path, nil
}

// StartRun handles POST /api/v1/runs.
func (h *Handlers) StartRun(c *fiber.Ctx) error {
	path, err := h.parseProject(c)
	if path == "" {
		return err
	}
	runID, err := h.runs.Start(c.UserContext(), path)
	if err != nil {
		return errorProblem(c, err)
	}
	h.logger.Info().Str("run_id", runID).Str("project", path).Msg("run submitted")
	return c.Status(fiber.StatusAccepted).JSON(StartRunResponse{
		RunID:     runID,
		StatusURL: "/api/v1/runs/" + runID,
	})
}

// ListRuns handles GET /api/v1/runs?limit=&phase=.
func (h *Handlers) ListRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 0 {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_limit", "Bad Request", "limit must not be negative")
	}
	phase := orchestrator.Phase(strings.ToUpper(c.Query("phase")))

	runs, err := h.runs.List(c.UserContext(), 0)
	if err != nil {
		return errorProblem(c, err)
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		if phase != "" && run.Phase != phase {
			continue
		}
		out = append(out, summarize(run))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return c.JSON(ListRunsResponse{Runs: out, Count: len(out)})
}

// GetRun handles GET /api/v1/runs/:id.
func (h *Handlers) GetRun(c *fiber.Ctx) error {
	run, err := h.runs.GetStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(run)
}

// DeleteRun handles DELETE /api/v1/runs/:id: an active run is cancelled,
// a finished one is forgotten.
func (h *Handlers) DeleteRun(c *fiber.Ctx) error {
	id := c.Params("id")
	run, err := h.runs.GetStatus(c.UserContext(), id)
	if err != nil {
		return errorProblem(c, err)
	}
	if !run.Phase.Terminal() {
		if err := h.runs.Cancel(c.UserContext(), id); err != nil {
			return errorProblem(c, err)
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"run_id": id, "status": "cancelling"})
	}
	if err := h.runs.Delete(c.UserContext(), id); err != nil {
		return errorProblem(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// Revalidate handles POST /api/v1/runs/:id/validate.
func (h *Handlers) Revalidate(c *fiber.Ctx) error {
	report, err := h.runs.Revalidate(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorProblem(c, err)
	}
	return c.JSON(fiber.Map{
		"report":            report,
		"summary":           report.Summary(),
		"required_failures": report.RequiredFailures(),
	})
}

// Analyze handles POST /api/v1/analyze. Nothing is generated.
func (h *Handlers) Analyze(c *fiber.Ctx) error {
	path, err := h.parseProject(c)
	if path == "" {
		return err
	}
	prof, err := h.analyzer.Analyze(c.UserContext(), path)
	if err != nil {
		return errorProblem(c, err)
	}
	resp := AnalyzeResponse{Profile: prof, Matches: []selector.Match{}}
	matches, err := selector.Select(prof, h.runs.Catalog(), h.selection)
	if err != nil {
		resp.SelectionError = err.Error()
	} else {
		resp.Matches = matches
	}
	return c.JSON(resp)
}

// Templates handles GET /api/v1/templates.
func (h *Handlers) Templates(c *fiber.Ctx) error {
	cat := h.runs.Catalog()
	return c.JSON(TemplatesResponse{Version: cat.Version(), Templates: cat.Templates()})
}

// Events handles GET /api/v1/events?offset=&run_id=.
func (h *Handlers) Events(c *fiber.Ctx) error {
	if h.events == nil {
		return problemResponse(c, fiber.StatusNotFound, "events_disabled", "Not Found", "No event log configured")
	}
	offset := int64(c.QueryInt("offset", 0))
	if offset < 0 {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_offset", "Bad Request", "offset must not be negative")
	}
	events, next, err := h.events.ReadEvents(offset)
	if err != nil {
		return err
	}
	if len(events) > maxEventsPerPage {
		next = events[maxEventsPerPage].Seq
		events = events[:maxEventsPerPage]
	}
	if runID := c.Query("run_id"); runID != "" {
		filtered := events[:0]
		for _, ev := range events {
			if ev.RunID == runID {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if events == nil {
		events = []bus.Event{}
	}
	return c.JSON(EventsResponse{Events: events, NextOffset: next})
}
