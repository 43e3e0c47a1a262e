// Package web provides HTTP request and response types for the pipeline API.
package web

import (
	"time"

	"github.com/trellis-ml/trellis/pkg/models"
)

// TriggerRunRequest represents the optional request body for triggering a run.
type TriggerRunRequest struct {
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// SaveStackRequest represents the request body for creating or replacing a stack profile.
type SaveStackRequest struct {
	ID      string         `json:"id"      validate:"required,min=1"`
	Backend string         `json:"backend" validate:"required,min=1"`
	Config  map[string]any `json:"config,omitempty"`
}

// DeploymentSummary is the listing shape of a deployment. The full step
// graph is only returned when a single deployment is fetched.
type DeploymentSummary struct {
	ID           string    `json:"id"`
	PipelineName string    `json:"pipeline_name"`
	VersionHash  string    `json:"version_hash"`
	Stack        string    `json:"stack"`
	StepCount    int       `json:"step_count"`
	Scheduled    bool      `json:"scheduled"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransformDeploymentSummary flattens a deployment for listings.
func TransformDeploymentSummary(deployment *models.Deployment) DeploymentSummary {
	return DeploymentSummary{
		ID:           deployment.ID,
		PipelineName: deployment.PipelineName,
		VersionHash:  deployment.VersionHash,
		Stack:        deployment.RunConfig.Stack,
		StepCount:    len(deployment.Steps),
		Scheduled:    deployment.RunConfig.Schedule != nil,
		CreatedAt:    deployment.CreatedAt,
	}
}
