package services

import (
	"context"
	"fmt"

	"github.com/trellis-ml/trellis/pkg/compiler"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

var (
	// ErrDeploymentNotFound is returned when a deployment is not found.
	ErrDeploymentNotFound = persistence.ErrDeploymentNotFound
)

// Deployment compiles and serves pipeline deployments.
type Deployment struct {
	persistence persistence.Store
	compiler    *compiler.Compiler
}

// NewDeployment creates a new deployment service.
func NewDeployment(persistence persistence.Store, compiler *compiler.Compiler) *Deployment {
	return &Deployment{
		persistence: persistence,
		compiler:    compiler,
	}
}

// HealthCheck checks the health of the persistence layer.
func (d *Deployment) HealthCheck(ctx context.Context) (string, bool) {
	if d.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := d.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Create compiles a pipeline document and persists the resulting
// deployment. Compilation errors surface unchanged so callers can map
// them to validation responses.
func (d *Deployment) Create(ctx context.Context, document []byte) (*models.Deployment, error) {
	if len(document) == 0 {
		return nil, NewValidationError(
			"Create",
			"EMPTY_DOCUMENT",
			"pipeline document cannot be empty",
			ErrEmptyDocument,
		)
	}

	deployment, err := d.compiler.Compile(document)
	if err != nil {
		return nil, err
	}

	if err := d.persistence.SaveDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("failed to save deployment: %w", err)
	}

	return deployment, nil
}

// FetchByID retrieves a deployment by its ID.
func (d *Deployment) FetchByID(ctx context.Context, id string) (*models.Deployment, error) {
	if id == "" {
		return nil, NewValidationError(
			"FetchByID",
			"MISSING_DEPLOYMENT_ID",
			"deployment ID is required",
			ErrDeploymentIDRequired,
		)
	}

	return d.persistence.DeploymentByID(ctx, id)
}

// List retrieves all deployments.
func (d *Deployment) List(ctx context.Context) ([]*models.Deployment, error) {
	deployments, err := d.persistence.ListDeployments(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}

	return deployments, nil
}
