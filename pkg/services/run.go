package services

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/trellis-ml/trellis/pkg/eventbus"
	"github.com/trellis-ml/trellis/pkg/events"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

var (
	// ErrRunNotFound is returned when a run is not found.
	ErrRunNotFound = persistence.ErrRunNotFound
)

// Run serves pipeline run queries and accepts trigger requests. Triggers
// are published as run.requested events; the worker begins the run, so a
// trigger is an acknowledgement, not a started run.
type Run struct {
	persistence persistence.Store
	eventBus    eventbus.EventBus
}

// NewRun creates a new run service.
func NewRun(persistence persistence.Store, eventBus eventbus.EventBus) *Run {
	return &Run{
		persistence: persistence,
		eventBus:    eventBus,
	}
}

// ListRunsRequest contains options for listing runs.
type ListRunsRequest struct {
	// Pagination
	Limit  int `validate:"min=1,max=100"`
	Offset int `validate:"min=0"`

	// Filtering
	DeploymentID string
	PipelineName string
	Status       *models.ExecutionStatus

	// Sorting
	SortBy    string `validate:"oneof=created_at updated_at pipeline_name"`
	SortOrder string `validate:"oneof=asc desc"`
}

// ListRunsResponse contains the result of listing runs.
type ListRunsResponse struct {
	Runs        []*models.PipelineRun `json:"runs"`
	TotalCount  int64                 `json:"total_count"`
	HasNextPage bool                  `json:"has_next_page"`
}

// ListRuns retrieves runs with filtering, sorting, and pagination.
func (r *Run) ListRuns(ctx context.Context, req ListRunsRequest) (*ListRunsResponse, error) {
	if err := r.validateListRunsRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	opts := persistence.ListRunsOptions{
		Limit:        req.Limit,
		Offset:       req.Offset,
		DeploymentID: req.DeploymentID,
		PipelineName: req.PipelineName,
		Status:       req.Status,
		SortBy:       req.SortBy,
		SortOrder:    req.SortOrder,
	}

	result, err := r.persistence.ListRuns(ctx, opts)
	if err != nil {
		// Map persistence validation errors to service validation errors
		if persistence.IsInvalidSortField(err) {
			return nil, ErrInvalidSortField
		}

		// Other persistence errors remain as 500s
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	return &ListRunsResponse{
		Runs:        result.Runs,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

// validateListRunsRequest validates and sets defaults for the request.
func (r *Run) validateListRunsRequest(req *ListRunsRequest) error {
	// Set defaults
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	if req.SortBy == "" {
		req.SortBy = "created_at"
	}

	if req.SortOrder == "" {
		req.SortOrder = "desc"
	}

	// Validate sort parameters against allowlist
	allowedSorts := []string{"created_at", "updated_at", "pipeline_name"}

	if !slices.Contains(allowedSorts, req.SortBy) {
		return NewValidationError(
			"validateListRunsRequest",
			"INVALID_SORT_FIELD",
			fmt.Sprintf("invalid sort field '%s', allowed: %s", req.SortBy, strings.Join(allowedSorts, ", ")),
			ErrInvalidSortField,
		)
	}

	if req.SortOrder != "asc" && req.SortOrder != "desc" {
		return NewValidationError(
			"validateListRunsRequest",
			"INVALID_SORT_ORDER",
			fmt.Sprintf("invalid sort order '%s', allowed: asc, desc", req.SortOrder),
			ErrInvalidSortOrder,
		)
	}

	// Validate status if provided
	if req.Status != nil {
		allowedStatuses := []models.ExecutionStatus{
			models.StatusPending,
			models.StatusRunning,
			models.StatusCompleted,
			models.StatusFailed,
			models.StatusCached,
		}

		if !slices.Contains(allowedStatuses, *req.Status) {
			return NewValidationError(
				"validateListRunsRequest",
				"INVALID_STATUS",
				fmt.Sprintf("invalid status '%s'", *req.Status),
				ErrInvalidStatus,
			)
		}
	}

	return nil
}

// FetchByID retrieves a run by its ID.
func (r *Run) FetchByID(ctx context.Context, id string) (*models.PipelineRun, error) {
	if id == "" {
		return nil, NewValidationError(
			"FetchByID",
			"MISSING_RUN_ID",
			"run ID is required",
			ErrRunIDRequired,
		)
	}

	return r.persistence.RunByID(ctx, id)
}

// ListSteps retrieves the step runs of one run in stored order.
func (r *Run) ListSteps(ctx context.Context, runID string) ([]*models.StepRun, error) {
	if runID == "" {
		return nil, NewValidationError(
			"ListSteps",
			"MISSING_RUN_ID",
			"run ID is required",
			ErrRunIDRequired,
		)
	}

	if _, err := r.persistence.RunByID(ctx, runID); err != nil {
		return nil, err
	}

	steps, err := r.persistence.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step runs: %w", err)
	}

	return steps, nil
}

// TriggerRunRequest asks for a new run of a deployment.
type TriggerRunRequest struct {
	DeploymentID string `validate:"required"`

	// IdempotencyKey deduplicates retried triggers. A fresh key is minted
	// when none is supplied.
	IdempotencyKey string

	Parameters map[string]any
	Initiator  string
}

// TriggerRunResponse acknowledges a published trigger.
type TriggerRunResponse struct {
	DeploymentID   string `json:"deployment_id"`
	IdempotencyKey string `json:"idempotency_key"`
	EventID        string `json:"event_id"`
}

// Trigger publishes a run.requested event for the deployment. The worker
// picks it up and begins the run; retried triggers with the same
// idempotency key converge on one run.
func (r *Run) Trigger(ctx context.Context, req TriggerRunRequest) (*TriggerRunResponse, error) {
	if req.DeploymentID == "" {
		return nil, NewValidationError(
			"Trigger",
			"MISSING_DEPLOYMENT_ID",
			"deployment ID is required",
			ErrDeploymentIDRequired,
		)
	}

	deployment, err := r.persistence.DeploymentByID(ctx, req.DeploymentID)
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = "trigger-" + uuid.New().String()
	}

	event := events.RunRequested{
		BaseEvent:      events.NewBaseEvent(events.RunRequestedEvent, deployment.ID, ""),
		IdempotencyKey: key,
		Parameters:     req.Parameters,
		Initiator:      req.Initiator,
	}

	if err := r.eventBus.Publish(ctx, deployment.ID+":"+key, event); err != nil {
		return nil, fmt.Errorf("failed to publish run request: %w", err)
	}

	return &TriggerRunResponse{
		DeploymentID:   deployment.ID,
		IdempotencyKey: key,
		EventID:        event.ID,
	}, nil
}
