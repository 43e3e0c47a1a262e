// Package persistence defines the storage contract the orchestration core
// runs against, plus the error taxonomy shared by its implementations.
package persistence

import (
	"context"
	"time"

	"github.com/trellis-ml/trellis/pkg/models"
)

// ListRunsOptions filters, sorts and pages run listings.
type ListRunsOptions struct {
	DeploymentID string
	PipelineName string
	Status       *models.ExecutionStatus
	SortBy       string // created_at, updated_at, pipeline_name
	SortOrder    string // asc, desc
	Limit        int
	Offset       int
}

// RunListResult is a page of runs plus pagination metadata.
type RunListResult struct {
	Runs        []*models.PipelineRun
	TotalCount  int64
	HasNextPage bool
}

// RunPatch mutates a run record under a version precondition. Nil fields
// are left untouched.
type RunPatch struct {
	Status            *models.ExecutionStatus
	OrchestratorRunID *string
	StartedAt         *time.Time
	FinishedAt        *time.Time
}

// StepRunPatch mutates a step run record under a version precondition.
type StepRunPatch struct {
	Status       *models.ExecutionStatus
	CacheKey     *string
	OutputRefs   map[string]models.ArtifactRef
	ErrorMessage *string
	SourceRunID  *string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Store is the persistence contract for deployments, runs, step runs and
// stack profiles. Updates take the version the caller read and fail with
// ErrPrecondition when the record has moved on; the core's cross-process
// correctness rests entirely on that check, so every implementation must
// enforce it.
type Store interface {
	// Deployments are immutable snapshots; Save is create-or-replace by ID.
	SaveDeployment(ctx context.Context, deployment *models.Deployment) error
	DeploymentByID(ctx context.Context, id string) (*models.Deployment, error)
	ListDeployments(ctx context.Context) ([]*models.Deployment, error)

	// CreateRun persists a run together with its initial step runs in one
	// operation. A run with the same deployment ID and idempotency key may
	// exist at most once; violations return ErrDuplicateRun.
	CreateRun(ctx context.Context, run *models.PipelineRun, steps []*models.StepRun) error
	RunByID(ctx context.Context, id string) (*models.PipelineRun, error)
	RunByIdempotencyKey(ctx context.Context, deploymentID, key string) (*models.PipelineRun, error)
	ListRuns(ctx context.Context, opts ListRunsOptions) (*RunListResult, error)
	UpdateRun(ctx context.Context, id string, expectedVersion int64, patch RunPatch) (*models.PipelineRun, error)

	StepRun(ctx context.Context, runID, stepName string) (*models.StepRun, error)
	ListStepRuns(ctx context.Context, runID string) ([]*models.StepRun, error)
	UpdateStepRun(ctx context.Context, runID, stepName string, expectedVersion int64, patch StepRunPatch) (*models.StepRun, error)

	// FindCachedStep returns the newest terminal-successful step run of the
	// given pipeline whose cache key matches, or ErrStepRunNotFound.
	FindCachedStep(ctx context.Context, pipelineName, cacheKey string) (*models.StepRun, error)

	SaveStack(ctx context.Context, stack *models.StackProfile) error
	StackByID(ctx context.Context, id string) (*models.StackProfile, error)
	ListStacks(ctx context.Context) ([]*models.StackProfile, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
