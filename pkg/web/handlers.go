package web

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/scigateway/orchestrator/pkg/orchestrator"
	"github.com/scigateway/orchestrator/pkg/statemachine"
)

// Service is the orchestrator surface the API exposes.
type Service interface {
	LaunchExperiment(ctx context.Context, req orchestrator.LaunchRequest) (string, error)
	CancelExperiment(ctx context.Context, req orchestrator.CancelRequest) error
	GetJobStatuses(ctx context.Context, experimentID string) (map[string]statemachine.Status, error)
	GetWorkflowReport(ctx context.Context, handle string) (orchestrator.Report, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type APIHandlers struct {
	service   Service
	health    HealthChecker
	validator *validator.Validate
}

func NewAPIHandlers(service Service, health HealthChecker, validator *validator.Validate) *APIHandlers {
	return &APIHandlers{
		service:   service,
		health:    health,
		validator: validator,
	}
}

func (h *APIHandlers) LaunchExperiment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Experiment ID is required")
	}

	var req LaunchRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	handle, err := h.service.LaunchExperiment(c.Context(), orchestrator.LaunchRequest{
		GatewayID:    req.GatewayID,
		UserToken:    userToken(c, req.UserToken),
		ExperimentID: id,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(LaunchResponse{ExperimentID: id, Handle: handle})
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	handle := c.Params("handle")
	if handle == "" {
		return badRequest(c, "Workflow handle is required")
	}

	var req CancelRequest
	if err := bindOptional(c, &req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.service.CancelExperiment(c.Context(), orchestrator.CancelRequest{
		GatewayID: req.GatewayID,
		UserToken: userToken(c, req.UserToken),
		Handle:    handle,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) GetJobStatuses(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Experiment ID is required")
	}

	statuses, err := h.service.GetJobStatuses(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(StatusesResponse{ExperimentID: id, Tasks: statuses})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	handle := c.Params("handle")
	if handle == "" {
		return badRequest(c, "Workflow handle is required")
	}

	report, err := h.service.GetWorkflowReport(c.Context(), handle)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(WorkflowResponse{
		Handle:       report.WorkflowID,
		ExperimentID: report.ExperimentID,
		State:        report.State,
		Tasks:        report.Tasks,
		Nodes:        report.Nodes,
		Outputs:      report.Outputs,
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	check := "ok"
	httpStatus := http.StatusOK

	if err := h.health.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		check = err.Error()
		httpStatus = http.StatusServiceUnavailable
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"persistence": check,
		},
		"timestamp": time.Now().UTC(),
	})
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}

	return c.Bind().JSON(out)
}

// userToken prefers a bearer token from the Authorization header over the body.
func userToken(c fiber.Ctx, fromBody string) string {
	header := c.Get(fiber.HeaderAuthorization)
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
		return token
	}

	return fromBody
}
