package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
	"github.com/scigateway/orchestrator/pkg/authz"
	"github.com/scigateway/orchestrator/pkg/catalog"
	"github.com/scigateway/orchestrator/pkg/errkind"
	"github.com/scigateway/orchestrator/pkg/orchestrator"
	"github.com/scigateway/orchestrator/pkg/persistence"
	"github.com/scigateway/orchestrator/pkg/scheduler"
)

func problem(c fiber.Ctx, status int, kind, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps orchestrator errors onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, authz.ErrDenied):
		return problem(c, fiber.StatusForbidden, "access_denied", err.Error())

	case isMissingExperiment(err):
		return problem(c, fiber.StatusNotFound, "experiment_not_found", err.Error())

	case persistence.IsTaskGraphNotFound(err):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", "workflow not found")

	case errors.Is(err, orchestrator.ErrNotLaunched):
		return problem(c, fiber.StatusNotFound, "not_launched", err.Error())

	case errors.Is(err, scheduler.ErrAlreadySubmitted):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case errors.Is(err, catalog.ErrUnavailable):
		return problem(c, fiber.StatusServiceUnavailable, "catalog_unavailable", err.Error())

	case errkind.Of(err) == errkind.Graph, errkind.Of(err) == errkind.Compile:
		return problem(c, fiber.StatusUnprocessableEntity, "invalid_workflow", err.Error())

	default:
		return internalError(c, err)
	}
}

// isMissingExperiment separates an unknown experiment from a workflow that names an
// unknown application, which is a compile failure.
func isMissingExperiment(err error) bool {
	var launchErr *orchestrator.LaunchError
	if errors.As(err, &launchErr) {
		return launchErr.Step == "catalog" && catalog.IsNotFound(err)
	}

	return catalog.IsNotFound(err)
}
