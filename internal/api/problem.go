package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/orchestrator"
)

const problemContentType = "application/problem+json"

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func problemResponse(c *fiber.Ctx, status int, errType, title, detail string) error {
	return c.Status(status).JSON(ProblemDetail{
		Type:     errType,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: c.Path(),
	}, problemContentType)
}

// errorProblem maps an orchestrator error onto a problem response.
func errorProblem(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ferrors.ErrRunNotFound):
		return problemResponse(c, fiber.StatusNotFound, "run_not_found", "Not Found", err.Error())
	case errors.Is(err, orchestrator.ErrRunActive), errors.Is(err, ferrors.ErrInvalidTransition):
		return problemResponse(c, fiber.StatusConflict, "invalid_state", "Conflict", err.Error())
	case errors.Is(err, orchestrator.ErrClosed):
		return problemResponse(c, fiber.StatusServiceUnavailable, "shutting_down", "Service Unavailable", err.Error())
	}
	switch ferrors.KindOf(err) {
	case ferrors.KindAnalysis:
		return problemResponse(c, fiber.StatusUnprocessableEntity, "analysis_error", "Unprocessable Entity", err.Error())
	case ferrors.KindSelection:
		return problemResponse(c, fiber.StatusUnprocessableEntity, "selection_error", "Unprocessable Entity", err.Error())
	case ferrors.KindValidation:
		return problemResponse(c, fiber.StatusUnprocessableEntity, "validation_error", "Unprocessable Entity", err.Error())
	}
	return err
}
