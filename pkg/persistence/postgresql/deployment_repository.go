package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

// DeploymentRepository handles deployment-related database operations.
type DeploymentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDeploymentRepository creates a new deployment repository.
func NewDeploymentRepository(db *sql.DB, logger *slog.Logger) *DeploymentRepository {
	return &DeploymentRepository{db: db, logger: logger}
}

// Save stores a deployment, replacing any previous snapshot with the same ID.
func (r *DeploymentRepository) Save(ctx context.Context, deployment *models.Deployment) error {
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = time.Now().UTC()
	}

	stepsJSON, err := json.Marshal(deployment.Steps)
	if err != nil {
		return persistence.NewDeploymentError("SaveDeployment", deployment.ID, fmt.Errorf("failed to marshal steps: %w", err))
	}

	runConfigJSON, err := json.Marshal(deployment.RunConfig)
	if err != nil {
		return persistence.NewDeploymentError("SaveDeployment", deployment.ID, fmt.Errorf("failed to marshal run config: %w", err))
	}

	query := `
		INSERT INTO deployments (id, pipeline_name, steps, run_config, version_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			pipeline_name = EXCLUDED.pipeline_name,
			steps = EXCLUDED.steps,
			run_config = EXCLUDED.run_config,
			version_hash = EXCLUDED.version_hash
	`

	_, err = r.db.ExecContext(ctx, query,
		deployment.ID,
		deployment.PipelineName,
		stepsJSON,
		runConfigJSON,
		deployment.VersionHash,
		deployment.CreatedAt,
	)
	if err != nil {
		return persistence.NewDeploymentError("SaveDeployment", deployment.ID, fmt.Errorf("failed to save deployment: %w", err))
	}

	return nil
}

// GetByID returns a deployment by its ID.
func (r *DeploymentRepository) GetByID(ctx context.Context, id string) (*models.Deployment, error) {
	query := `
		SELECT
			id
		  , pipeline_name
		  , steps
		  , run_config
		  , version_hash
		  , created_at
		FROM deployments
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	deployment, err := r.scanDeployment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDeploymentError("DeploymentByID", id, persistence.ErrDeploymentNotFound)
		}

		return nil, persistence.NewDeploymentError("DeploymentByID", id, fmt.Errorf("failed to scan deployment: %w", err))
	}

	return deployment, nil
}

// GetAll returns all deployments, newest first.
func (r *DeploymentRepository) GetAll(ctx context.Context) ([]*models.Deployment, error) {
	query := `
		SELECT
			id
		  , pipeline_name
		  , steps
		  , run_config
		  , version_hash
		  , created_at
		FROM deployments
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployments: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	deployments := make([]*models.Deployment, 0)

	for rows.Next() {
		deployment, err := r.scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}

		deployments = append(deployments, deployment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

func (r *DeploymentRepository) scanDeployment(scanner interface {
	Scan(dest ...any) error
}) (*models.Deployment, error) {
	var (
		deployment               models.Deployment
		stepsJSON, runConfigJSON []byte
	)

	err := scanner.Scan(
		&deployment.ID,
		&deployment.PipelineName,
		&stepsJSON,
		&runConfigJSON,
		&deployment.VersionHash,
		&deployment.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if stepsJSON != nil {
		err := json.Unmarshal(stepsJSON, &deployment.Steps)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}

	if runConfigJSON != nil {
		err := json.Unmarshal(runConfigJSON, &deployment.RunConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
		}
	}

	return &deployment, nil
}
