// Package postgresql provides PostgreSQL persistence for deployments,
// pipeline runs and stack profiles.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
	"github.com/trellis-ml/trellis/pkg/persistence/sqlbase"

	// PostgreSQL driver.
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db             *sql.DB
	logger         *slog.Logger
	deploymentRepo *DeploymentRepository
	runRepo        *RunRepository
	stackRepo      *StackRepository
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", persistence.ErrStoreUnavailable, err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:             database,
		logger:         logger,
		deploymentRepo: NewDeploymentRepository(database, logger),
		runRepo:        NewRunRepository(database, logger),
		stackRepo:      NewStackRepository(database, logger),
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", persistence.ErrStoreUnavailable, err)
	}

	return nil
}

// SaveDeployment stores a deployment snapshot.
func (p *Persistence) SaveDeployment(ctx context.Context, deployment *models.Deployment) error {
	return p.deploymentRepo.Save(ctx, deployment)
}

// DeploymentByID returns a deployment by its ID.
func (p *Persistence) DeploymentByID(ctx context.Context, id string) (*models.Deployment, error) {
	return p.deploymentRepo.GetByID(ctx, id)
}

// ListDeployments returns all deployments.
func (p *Persistence) ListDeployments(ctx context.Context) ([]*models.Deployment, error) {
	return p.deploymentRepo.GetAll(ctx)
}

// CreateRun persists a run and its initial step runs.
func (p *Persistence) CreateRun(ctx context.Context, run *models.PipelineRun, steps []*models.StepRun) error {
	return p.runRepo.Create(ctx, run, steps)
}

// RunByID returns a pipeline run by its ID.
func (p *Persistence) RunByID(ctx context.Context, id string) (*models.PipelineRun, error) {
	return p.runRepo.GetByID(ctx, id)
}

// RunByIdempotencyKey returns the run holding the given correlation identity.
func (p *Persistence) RunByIdempotencyKey(ctx context.Context, deploymentID, key string) (*models.PipelineRun, error) {
	return p.runRepo.GetByIdempotencyKey(ctx, deploymentID, key)
}

// ListRuns returns paginated and filtered runs.
func (p *Persistence) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) (*persistence.RunListResult, error) {
	return p.runRepo.List(ctx, opts)
}

// UpdateRun applies a patch to a run under a version precondition.
func (p *Persistence) UpdateRun(ctx context.Context, id string, expectedVersion int64, patch persistence.RunPatch) (*models.PipelineRun, error) {
	return p.runRepo.Update(ctx, id, expectedVersion, patch)
}

// StepRun returns a single step run record.
func (p *Persistence) StepRun(ctx context.Context, runID, stepName string) (*models.StepRun, error) {
	return p.runRepo.GetStep(ctx, runID, stepName)
}

// ListStepRuns returns all step runs of a run.
func (p *Persistence) ListStepRuns(ctx context.Context, runID string) ([]*models.StepRun, error) {
	return p.runRepo.ListSteps(ctx, runID)
}

// UpdateStepRun applies a patch to a step run under a version precondition.
func (p *Persistence) UpdateStepRun(ctx context.Context, runID, stepName string, expectedVersion int64, patch persistence.StepRunPatch) (*models.StepRun, error) {
	return p.runRepo.UpdateStep(ctx, runID, stepName, expectedVersion, patch)
}

// FindCachedStep returns the newest successful step run with the given
// cache key within a pipeline.
func (p *Persistence) FindCachedStep(ctx context.Context, pipelineName, cacheKey string) (*models.StepRun, error) {
	return p.runRepo.FindCachedStep(ctx, pipelineName, cacheKey)
}

// SaveStack stores a stack profile.
func (p *Persistence) SaveStack(ctx context.Context, stack *models.StackProfile) error {
	return p.stackRepo.Save(ctx, stack)
}

// StackByID returns a stack profile by its ID.
func (p *Persistence) StackByID(ctx context.Context, id string) (*models.StackProfile, error) {
	return p.stackRepo.GetByID(ctx, id)
}

// ListStacks returns all stack profiles.
func (p *Persistence) ListStacks(ctx context.Context) ([]*models.StackProfile, error) {
	return p.stackRepo.GetAll(ctx)
}
