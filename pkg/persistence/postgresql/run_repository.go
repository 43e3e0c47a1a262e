package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

// RunRepository handles pipeline run and step run database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Create persists the run and its initial step runs in one transaction. The
// combination of deployment ID and idempotency key is unique across all
// stored runs; conflicts on it (or on the run ID) report ErrDuplicateRun.
func (r *RunRepository) Create(ctx context.Context, run *models.PipelineRun, steps []*models.StepRun) error {
	now := time.Now().UTC()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	if run.Version == 0 {
		run.Version = 1
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, fmt.Errorf("failed to begin transaction: %w", err))
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	runQuery := `
		INSERT INTO runs (id, deployment_id, pipeline_name, idempotency_key, orchestrator_run_id,
			status, version, started_at, finished_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = tx.ExecContext(ctx, runQuery,
		run.ID,
		run.DeploymentID,
		run.PipelineName,
		run.IdempotencyKey,
		run.OrchestratorRunID,
		run.Status,
		run.Version,
		run.StartedAt,
		run.FinishedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		if r.runExists(ctx, run) {
			return persistence.NewRunError("CreateRun", run.ID, persistence.ErrDuplicateRun)
		}

		return persistence.NewRunError("CreateRun", run.ID, fmt.Errorf("failed to insert run: %w", err))
	}

	stepQuery := `
		INSERT INTO run_steps (run_id, step_name, pipeline_name, upstream, status, cache_key,
			output_refs, error_message, source_run_id, version, started_at, finished_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	for _, step := range steps {
		step.UpdatedAt = now

		if step.Version == 0 {
			step.Version = 1
		}

		var upstreamJSON, outputRefsJSON []byte

		upstreamJSON, err = json.Marshal(step.Upstream)
		if err != nil {
			return persistence.NewStepRunError("CreateRun", run.ID, step.StepName, fmt.Errorf("failed to marshal upstream: %w", err))
		}

		outputRefsJSON, err = json.Marshal(step.OutputRefs)
		if err != nil {
			return persistence.NewStepRunError("CreateRun", run.ID, step.StepName, fmt.Errorf("failed to marshal output refs: %w", err))
		}

		_, err = tx.ExecContext(ctx, stepQuery,
			step.RunID,
			step.StepName,
			step.PipelineName,
			upstreamJSON,
			step.Status,
			step.CacheKey,
			outputRefsJSON,
			step.ErrorMessage,
			step.SourceRunID,
			step.Version,
			step.StartedAt,
			step.FinishedAt,
			step.UpdatedAt,
		)
		if err != nil {
			return persistence.NewStepRunError("CreateRun", run.ID, step.StepName, fmt.Errorf("failed to insert step run: %w", err))
		}
	}

	err = tx.Commit()
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, fmt.Errorf("failed to commit transaction: %w", err))
	}

	return nil
}

// runExists reports whether a run with the same ID or the same correlation
// identity is already stored. Used to classify insert conflicts.
func (r *RunRepository) runExists(ctx context.Context, run *models.PipelineRun) bool {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM runs
			WHERE id = $1
			   OR (deployment_id = $2 AND idempotency_key = $3 AND idempotency_key <> '')
		)
	`

	var exists bool

	err := r.db.QueryRowContext(ctx, query, run.ID, run.DeploymentID, run.IdempotencyKey).Scan(&exists)
	if err != nil {
		return false
	}

	return exists
}

// GetByID returns a pipeline run by its ID.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.PipelineRun, error) {
	query := `
		SELECT
			id
		  , deployment_id
		  , pipeline_name
		  , idempotency_key
		  , orchestrator_run_id
		  , status
		  , version
		  , started_at
		  , finished_at
		  , created_at
		  , updated_at
		FROM runs
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	run, err := r.scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("RunByID", id, fmt.Errorf("failed to scan run: %w", err))
	}

	return run, nil
}

// GetByIdempotencyKey returns the run created for the given deployment and
// idempotency key, if any.
func (r *RunRepository) GetByIdempotencyKey(ctx context.Context, deploymentID, key string) (*models.PipelineRun, error) {
	query := `
		SELECT
			id
		  , deployment_id
		  , pipeline_name
		  , idempotency_key
		  , orchestrator_run_id
		  , status
		  , version
		  , started_at
		  , finished_at
		  , created_at
		  , updated_at
		FROM runs
		WHERE deployment_id = $1 AND idempotency_key = $2
	`

	row := r.db.QueryRowContext(ctx, query, deploymentID, key)

	run, err := r.scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDeploymentError("RunByIdempotencyKey", deploymentID, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewDeploymentError("RunByIdempotencyKey", deploymentID, fmt.Errorf("failed to scan run: %w", err))
	}

	return run, nil
}

// List returns paginated and filtered runs.
func (r *RunRepository) List(ctx context.Context, opts persistence.ListRunsOptions) (*persistence.RunListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	if opts.SortBy == "" {
		opts.SortBy = "created_at"
	}

	if opts.SortOrder == "" {
		opts.SortOrder = "desc"
	}

	allowedSorts := map[string]bool{
		"created_at":    true,
		"updated_at":    true,
		"pipeline_name": true,
	}
	if !allowedSorts[opts.SortBy] {
		return nil, fmt.Errorf("%w: %s", persistence.ErrInvalidSortField, opts.SortBy)
	}

	direction := "DESC"
	if opts.SortOrder == "asc" {
		direction = "ASC"
	}

	conditions := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if opts.DeploymentID != "" {
		args = append(args, opts.DeploymentID)
		conditions = append(conditions, fmt.Sprintf("deployment_id = $%d", len(args)))
	}

	if opts.PipelineName != "" {
		args = append(args, opts.PipelineName)
		conditions = append(conditions, fmt.Sprintf("pipeline_name = $%d", len(args)))
	}

	if opts.Status != nil {
		args = append(args, *opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = " WHERE " + strings.Join(conditions, " AND ")
	}

	var totalCount int64

	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs"+whereClause, args...).Scan(&totalCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}

	query := `
		SELECT
			id
		  , deployment_id
		  , pipeline_name
		  , idempotency_key
		  , orchestrator_run_id
		  , status
		  , version
		  , started_at
		  , finished_at
		  , created_at
		  , updated_at
		FROM runs
	` + whereClause + fmt.Sprintf(" ORDER BY %s %s LIMIT $%d OFFSET $%d", opts.SortBy, direction, len(args)+1, len(args)+2)

	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	runs := make([]*models.PipelineRun, 0, opts.Limit)

	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return &persistence.RunListResult{
		Runs:        runs,
		TotalCount:  totalCount,
		HasNextPage: int64(opts.Offset+len(runs)) < totalCount,
	}, nil
}

// Update applies a patch if and only if the stored version still matches
// the one the caller read.
func (r *RunRepository) Update(ctx context.Context, id string, expectedVersion int64, patch persistence.RunPatch) (*models.PipelineRun, error) {
	run, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if run.Version != expectedVersion {
		return nil, persistence.NewRunError("UpdateRun", id, persistence.ErrPrecondition)
	}

	applyRunPatch(run, patch)
	run.Version++
	run.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE runs SET
			status = $1,
			orchestrator_run_id = $2,
			started_at = $3,
			finished_at = $4,
			version = $5,
			updated_at = $6
		WHERE id = $7 AND version = $8
	`

	result, err := r.db.ExecContext(ctx, query,
		run.Status,
		run.OrchestratorRunID,
		run.StartedAt,
		run.FinishedAt,
		run.Version,
		run.UpdatedAt,
		id,
		expectedVersion,
	)
	if err != nil {
		return nil, persistence.NewRunError("UpdateRun", id, fmt.Errorf("failed to update run: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, persistence.NewRunError("UpdateRun", id, fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rowsAffected == 0 {
		// Another writer bumped the version between our read and update.
		return nil, persistence.NewRunError("UpdateRun", id, persistence.ErrPrecondition)
	}

	return run, nil
}

// GetStep returns a single step run record.
func (r *RunRepository) GetStep(ctx context.Context, runID, stepName string) (*models.StepRun, error) {
	query := `
		SELECT
			run_id
		  , step_name
		  , pipeline_name
		  , upstream
		  , status
		  , cache_key
		  , output_refs
		  , error_message
		  , source_run_id
		  , version
		  , started_at
		  , finished_at
		  , updated_at
		FROM run_steps
		WHERE run_id = $1 AND step_name = $2
	`

	row := r.db.QueryRowContext(ctx, query, runID, stepName)

	step, err := r.scanStepRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStepRunError("StepRun", runID, stepName, persistence.ErrStepRunNotFound)
		}

		return nil, persistence.NewStepRunError("StepRun", runID, stepName, fmt.Errorf("failed to scan step run: %w", err))
	}

	return step, nil
}

// ListSteps returns all step runs of a run, ordered by step name.
func (r *RunRepository) ListSteps(ctx context.Context, runID string) ([]*models.StepRun, error) {
	_, err := r.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT
			run_id
		  , step_name
		  , pipeline_name
		  , upstream
		  , status
		  , cache_key
		  , output_refs
		  , error_message
		  , source_run_id
		  , version
		  , started_at
		  , finished_at
		  , updated_at
		FROM run_steps
		WHERE run_id = $1
		ORDER BY step_name
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, persistence.NewRunError("ListStepRuns", runID, fmt.Errorf("failed to query step runs: %w", err))
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	steps := make([]*models.StepRun, 0)

	for rows.Next() {
		step, err := r.scanStepRun(rows)
		if err != nil {
			return nil, persistence.NewRunError("ListStepRuns", runID, fmt.Errorf("failed to scan step run: %w", err))
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewRunError("ListStepRuns", runID, fmt.Errorf("error iterating step runs: %w", err))
	}

	return steps, nil
}

// UpdateStep applies a patch to a step run under a version precondition.
func (r *RunRepository) UpdateStep(ctx context.Context, runID, stepName string, expectedVersion int64, patch persistence.StepRunPatch) (*models.StepRun, error) {
	step, err := r.GetStep(ctx, runID, stepName)
	if err != nil {
		return nil, err
	}

	if step.Version != expectedVersion {
		return nil, persistence.NewStepRunError("UpdateStepRun", runID, stepName, persistence.ErrPrecondition)
	}

	applyStepRunPatch(step, patch)
	step.Version++
	step.UpdatedAt = time.Now().UTC()

	outputRefsJSON, err := json.Marshal(step.OutputRefs)
	if err != nil {
		return nil, persistence.NewStepRunError("UpdateStepRun", runID, stepName, fmt.Errorf("failed to marshal output refs: %w", err))
	}

	query := `
		UPDATE run_steps SET
			status = $1,
			cache_key = $2,
			output_refs = $3,
			error_message = $4,
			source_run_id = $5,
			version = $6,
			started_at = $7,
			finished_at = $8,
			updated_at = $9
		WHERE run_id = $10 AND step_name = $11 AND version = $12
	`

	result, err := r.db.ExecContext(ctx, query,
		step.Status,
		step.CacheKey,
		outputRefsJSON,
		step.ErrorMessage,
		step.SourceRunID,
		step.Version,
		step.StartedAt,
		step.FinishedAt,
		step.UpdatedAt,
		runID,
		stepName,
		expectedVersion,
	)
	if err != nil {
		return nil, persistence.NewStepRunError("UpdateStepRun", runID, stepName, fmt.Errorf("failed to update step run: %w", err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, persistence.NewStepRunError("UpdateStepRun", runID, stepName, fmt.Errorf("failed to get rows affected: %w", err))
	}

	if rowsAffected == 0 {
		return nil, persistence.NewStepRunError("UpdateStepRun", runID, stepName, persistence.ErrPrecondition)
	}

	return step, nil
}

// FindCachedStep returns the newest terminal-successful step run of the
// pipeline with a matching cache key.
func (r *RunRepository) FindCachedStep(ctx context.Context, pipelineName, cacheKey string) (*models.StepRun, error) {
	query := `
		SELECT
			run_id
		  , step_name
		  , pipeline_name
		  , upstream
		  , status
		  , cache_key
		  , output_refs
		  , error_message
		  , source_run_id
		  , version
		  , started_at
		  , finished_at
		  , updated_at
		FROM run_steps
		WHERE pipeline_name = $1 AND cache_key = $2 AND status IN ($3, $4)
		ORDER BY finished_at DESC NULLS LAST, updated_at DESC
		LIMIT 1
	`

	row := r.db.QueryRowContext(ctx, query, pipelineName, cacheKey, models.StatusCompleted, models.StatusCached)

	step, err := r.scanStepRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no cached step for pipeline %s: %w", pipelineName, persistence.ErrStepRunNotFound)
		}

		return nil, fmt.Errorf("failed to scan cached step: %w", err)
	}

	return step, nil
}

func (r *RunRepository) scanRun(scanner interface {
	Scan(dest ...any) error
}) (*models.PipelineRun, error) {
	var run models.PipelineRun

	err := scanner.Scan(
		&run.ID,
		&run.DeploymentID,
		&run.PipelineName,
		&run.IdempotencyKey,
		&run.OrchestratorRunID,
		&run.Status,
		&run.Version,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &run, nil
}

func (r *RunRepository) scanStepRun(scanner interface {
	Scan(dest ...any) error
}) (*models.StepRun, error) {
	var (
		step                     models.StepRun
		upstreamJSON, outputJSON []byte
	)

	err := scanner.Scan(
		&step.RunID,
		&step.StepName,
		&step.PipelineName,
		&upstreamJSON,
		&step.Status,
		&step.CacheKey,
		&outputJSON,
		&step.ErrorMessage,
		&step.SourceRunID,
		&step.Version,
		&step.StartedAt,
		&step.FinishedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if upstreamJSON != nil {
		err := json.Unmarshal(upstreamJSON, &step.Upstream)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal upstream: %w", err)
		}
	}

	if outputJSON != nil {
		err := json.Unmarshal(outputJSON, &step.OutputRefs)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal output refs: %w", err)
		}
	}

	return &step, nil
}

func applyRunPatch(run *models.PipelineRun, patch persistence.RunPatch) {
	if patch.Status != nil {
		run.Status = *patch.Status
	}

	if patch.OrchestratorRunID != nil {
		run.OrchestratorRunID = *patch.OrchestratorRunID
	}

	if patch.StartedAt != nil {
		run.StartedAt = patch.StartedAt
	}

	if patch.FinishedAt != nil {
		run.FinishedAt = patch.FinishedAt
	}
}

func applyStepRunPatch(step *models.StepRun, patch persistence.StepRunPatch) {
	if patch.Status != nil {
		step.Status = *patch.Status
	}

	if patch.CacheKey != nil {
		step.CacheKey = *patch.CacheKey
	}

	if patch.OutputRefs != nil {
		step.OutputRefs = patch.OutputRefs
	}

	if patch.ErrorMessage != nil {
		step.ErrorMessage = *patch.ErrorMessage
	}

	if patch.SourceRunID != nil {
		step.SourceRunID = *patch.SourceRunID
	}

	if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}

	if patch.FinishedAt != nil {
		step.FinishedAt = patch.FinishedAt
	}
}
