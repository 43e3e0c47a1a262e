// Package protocol defines the interfaces and contracts for pluggable
// execution backends and step implementations.
package protocol

import (
	"context"

	"github.com/trellis-ml/trellis/pkg/models"
)

// ResultStatus classifies the immediate outcome of an Execute call.
type ResultStatus string

const (
	// ResultSucceeded means the step ran to completion and its outputs
	// are in the result.
	ResultSucceeded ResultStatus = "succeeded"

	// ResultFailed means the step ran and failed. This is a step-level
	// outcome, not a backend error.
	ResultFailed ResultStatus = "failed"

	// ResultPending means the backend accepted the step for deferred
	// execution and a worker will report the terminal outcome later.
	ResultPending ResultStatus = "pending"
)

// ExecutionRequest carries everything a backend needs to run one step.
type ExecutionRequest struct {
	Run        *models.PipelineRun
	Deployment *models.Deployment
	Step       *models.Step

	// CacheKey is the key the step was resolved under, already recorded
	// on its step run.
	CacheKey string

	// Upstream holds the terminal step runs this step depends on, keyed
	// by step name. Backends resolve artifact inputs from their outputs.
	Upstream map[string]*models.StepRun
}

// ExecutionResult is the backend's answer for a single step.
type ExecutionResult struct {
	Status      ResultStatus
	Outputs     map[string]models.ArtifactRef
	ErrorDetail string

	// CorrelationID identifies a deferred dispatch so completion events
	// can be tied back to it. Only set when Status is ResultPending.
	CorrelationID string
}

// ExecutionBackend executes steps against some compute substrate. A
// synchronous backend returns a terminal result from Execute; a deferred
// backend returns ResultPending and reports through the run tracker.
type ExecutionBackend interface {
	// ID returns the backend instance identifier.
	ID() string

	// MaxParallelism caps how many steps the coordinator may have in
	// flight on this backend at once. Zero means no cap.
	MaxParallelism() int

	// Execute runs or dispatches a single step.
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// BackendFactory creates backend instances and provides metadata about the
// backend type.
type BackendFactory interface {
	// Create creates a new backend instance with the given configuration
	Create(ctx context.Context, config map[string]any, deps Dependencies) (ExecutionBackend, error)

	// ID returns the unique identifier for this backend type
	ID() string

	// Name returns the human-readable name for this backend type
	Name() string

	// Description returns a description of what this backend does
	Description() string

	// Schema returns the JSON schema for configuring this backend
	Schema() map[string]any
}
