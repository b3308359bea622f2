// Package api serves the orchestrator over HTTP.
package api

import (
	"time"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/catalog"
	"github.com/p-blackswan/agentforge/internal/orchestrator"
	"github.com/p-blackswan/agentforge/internal/profile"
	"github.com/p-blackswan/agentforge/internal/selector"
)

// ProjectRequest is the body of POST /runs and POST /analyze.
type ProjectRequest struct {
	ProjectPath string `json:"project_path"`
}

// StartRunResponse is returned by POST /runs.
type StartRunResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
}

// RunSummary is one row of GET /runs.
type RunSummary struct {
	RunID       string                `json:"run_id"`
	ProjectPath string                `json:"project_path"`
	Phase       orchestrator.Phase    `json:"phase"`
	Committed   int                   `json:"committed"`
	Warnings    int                   `json:"warnings"`
	Failure     *orchestrator.Failure `json:"failure,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

func summarize(run orchestrator.WorkflowRun) RunSummary {
	return RunSummary{
		RunID:       run.RunID,
		ProjectPath: run.ProjectPath,
		Phase:       run.Phase,
		Committed:   len(run.Committed),
		Warnings:    len(run.Warnings),
		Failure:     run.Failure,
		CreatedAt:   run.CreatedAt,
		CompletedAt: run.CompletedAt,
	}
}

// ListRunsResponse is returned by GET /runs.
type ListRunsResponse struct {
	Runs  []RunSummary `json:"runs"`
	Count int          `json:"count"`
}

// AnalyzeResponse is a dry run: the profile and what would be selected.
type AnalyzeResponse struct {
	Profile        *profile.Profile `json:"profile"`
	Matches        []selector.Match `json:"matches"`
	SelectionError string           `json:"selection_error,omitempty"`
}

// TemplatesResponse is returned by GET /templates.
type TemplatesResponse struct {
	Version   string                `json:"version"`
	Templates []*catalog.Descriptor `json:"templates"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Events     []bus.Event `json:"events"`
	NextOffset int64       `json:"next_offset"`
}
