package models

import "time"

// ArtifactRef is an opaque handle to a stored artifact. The orchestration
// core stores and forwards refs without ever interpreting them;
// materialization belongs to the artifact store.
type ArtifactRef string

// PipelineRun is the record of one execution of a deployment. It is
// mutated only through the run tracker, using the Version field for
// optimistic concurrency at the store.
type PipelineRun struct {
	ID           string `json:"id"`
	DeploymentID string `json:"deployment_id" validate:"required"`

	// PipelineName is denormalized from the deployment so run listings and
	// cache history queries need no join.
	PipelineName string `json:"pipeline_name" validate:"required"`

	// IdempotencyKey is the correlation identity of the triggering request.
	// Two begin-run attempts with the same deployment and key resolve to
	// the same run.
	IdempotencyKey string `json:"idempotency_key" validate:"required"`

	// OrchestratorRunID is the backend-assigned correlation token, unknown
	// until dispatch begins.
	OrchestratorRunID string `json:"orchestrator_run_id,omitempty"`

	Status  ExecutionStatus `json:"status"`
	Version int64           `json:"version"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StepRun is the record of one step within a pipeline run. Upstream is
// snapshotted from the deployment so transition preconditions can be
// checked without fetching the deployment.
type StepRun struct {
	RunID        string   `json:"run_id"`
	PipelineName string   `json:"pipeline_name"`
	StepName     string   `json:"step_name"`
	Upstream     []string `json:"upstream,omitempty"`

	Status   ExecutionStatus `json:"status"`
	CacheKey string          `json:"cache_key,omitempty"`

	// OutputRefs maps output slot names to opaque artifact references.
	OutputRefs map[string]ArtifactRef `json:"output_refs,omitempty"`

	// ErrorMessage is populated only on failed steps.
	ErrorMessage string `json:"error_message,omitempty"`

	// SourceRunID, set on cached steps, names the run the reused outputs
	// were produced in.
	SourceRunID string `json:"source_run_id,omitempty"`

	Version int64 `json:"version"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// AggregateRunStatus derives a run's status from its step runs. One failed
// step fails the whole run immediately. The run finishes successfully only
// once every step is terminal-successful: cached when every single step
// was cached, completed otherwise. Any other progress means running.
func AggregateRunStatus(steps []*StepRun) ExecutionStatus {
	if len(steps) == 0 {
		return StatusPending
	}

	allCached := true
	allSuccessful := true
	anyProgress := false

	for _, step := range steps {
		if step.Status == StatusFailed {
			return StatusFailed
		}

		if step.Status != StatusCached {
			allCached = false
		}

		if !step.Status.IsSuccessful() {
			allSuccessful = false
		}

		if step.Status != StatusPending {
			anyProgress = true
		}
	}

	switch {
	case allCached:
		return StatusCached
	case allSuccessful:
		return StatusCompleted
	case anyProgress:
		return StatusRunning
	default:
		return StatusPending
	}
}
