// Package web provides HTTP handlers and REST API endpoints for pipeline management.
package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
	"github.com/trellis-ml/trellis/pkg/registry"
	"github.com/trellis-ml/trellis/pkg/services"
)

type APIHandlers struct {
	deploymentService *services.Deployment
	runService        *services.Run
	stackService      *services.Stack
	validator         *validator.Validate
	registry          *registry.Registry
}

func NewAPIHandlers(
	deploymentService *services.Deployment,
	runService *services.Run,
	stackService *services.Stack,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		deploymentService: deploymentService,
		runService:        runService,
		stackService:      stackService,
		validator:         validator,
		registry:          registry,
	}
}

// CreateDeployment compiles the pipeline document in the request body
// into a new deployment.
func (h *APIHandlers) CreateDeployment(c fiber.Ctx) error {
	document := c.Body()
	if len(document) == 0 {
		return badRequest(c, "Request body must be a pipeline document")
	}

	created, err := h.deploymentService.Create(c.Context(), document)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetDeployments(c fiber.Ctx) error {
	deployments, err := h.deploymentService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	summaries := make([]DeploymentSummary, 0, len(deployments))
	for _, deployment := range deployments {
		summaries = append(summaries, TransformDeploymentSummary(deployment))
	}

	return c.JSON(fiber.Map{
		"deployments": summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetDeployment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Deployment ID is required")
	}

	deployment, err := h.deploymentService.FetchByID(c.Context(), id)
	if err != nil {
		if persistence.IsDeploymentNotFound(err) {
			return notFound(c, "deployment_not_found", "deployment not found")
		}

		return handleServiceError(c, err)
	}

	return c.JSON(deployment)
}

// TriggerRun publishes a run request for the deployment. The run itself
// is begun by the worker, so the endpoint acknowledges with 202.
func (h *APIHandlers) TriggerRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Deployment ID is required")
	}

	var req TriggerRunRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	resp, err := h.runService.Trigger(c.Context(), services.TriggerRunRequest{
		DeploymentID:   id,
		IdempotencyKey: req.IdempotencyKey,
		Parameters:     req.Parameters,
		Initiator:      "api",
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	req, err := h.parseListRunsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.runService.ListRuns(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"runs":          result.Runs,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
		"sorting": fiber.Map{
			"sort_by":    req.SortBy,
			"sort_order": req.SortOrder,
		},
	})
}

// parseListRunsRequest parses and validates query parameters for listing runs.
func (h *APIHandlers) parseListRunsRequest(c fiber.Ctx) (*services.ListRunsRequest, error) {
	req := &services.ListRunsRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	req.DeploymentID = c.Query("deployment_id")
	req.PipelineName = c.Query("pipeline_name")

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.ExecutionStatus(statusStr)
		req.Status = &status
	}

	req.SortBy = c.Query("sort_by")
	req.SortOrder = c.Query("sort_order")

	return req, nil
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.runService.FetchByID(c.Context(), id)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return notFound(c, "run_not_found", "run not found")
		}

		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) GetRunSteps(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	steps, err := h.runService.ListSteps(c.Context(), id)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return notFound(c, "run_not_found", "run not found")
		}

		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"run_id": id,
		"steps":  steps,
	})
}

// SaveStack creates or replaces a stack profile.
func (h *APIHandlers) SaveStack(c fiber.Ctx) error {
	var req SaveStackRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	profile, err := h.stackService.Save(c.Context(), services.SaveStackRequest{
		ID:      req.ID,
		Backend: req.Backend,
		Config:  req.Config,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(profile)
}

func (h *APIHandlers) GetStacks(c fiber.Ctx) error {
	profiles, err := h.stackService.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"stacks":      profiles,
		"total_count": len(profiles),
	})
}

func (h *APIHandlers) GetStack(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Stack profile ID is required")
	}

	profile, err := h.stackService.FetchByID(c.Context(), id)
	if err != nil {
		if persistence.IsStackNotFound(err) {
			return notFound(c, "stack_not_found", "stack profile not found")
		}

		return handleServiceError(c, err)
	}

	return c.JSON(profile)
}

// GetBackends lists the registered execution backend types.
func (h *APIHandlers) GetBackends(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"backends": h.registry.AvailableBackends(),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	repositoryCheck, repOk := h.deploymentService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Trellis API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Trellis API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
