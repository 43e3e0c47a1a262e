// Package tracker is the single source of truth for a run's progress. All
// status transitions for runs and their steps go through it, which is what
// guarantees forward-only movement and at most one dispatch per step per
// run, even with a coordinator and remote workers writing from different
// processes.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

// aggregateRetries bounds the read-recompute-write loop for the run's
// aggregate status. The aggregate is monotone, so a handful of retries is
// enough to outlast any realistic burst of concurrent step reports.
const aggregateRetries = 5

// BeginRunOptions carries the optional identity of a begin-run request.
type BeginRunOptions struct {
	// IdempotencyKey correlates retries of the same triggering request.
	// When set, a second BeginRun with the same deployment and key fails
	// with ErrDuplicateRun instead of creating a parallel run. Empty means
	// every call creates a fresh run.
	IdempotencyKey string
}

// Tracker mediates run and step run transitions against the store.
type Tracker struct {
	logger *slog.Logger
	store  persistence.Store
}

// NewTracker creates a run tracker backed by the given store.
func NewTracker(logger *slog.Logger, store persistence.Store) *Tracker {
	return &Tracker{
		logger: logger.With("module", "tracker"),
		store:  store,
	}
}

// BeginRun persists a new pending run with one pending step run per
// deployment step. Returns ErrDuplicateRun when a run for the same
// deployment and idempotency key already exists; callers recover the
// existing run with RunByIdempotencyKey.
func (t *Tracker) BeginRun(ctx context.Context, deployment *models.Deployment, opts BeginRunOptions) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		ID:             "run-" + uuid.New().String()[:8],
		DeploymentID:   deployment.ID,
		PipelineName:   deployment.PipelineName,
		IdempotencyKey: opts.IdempotencyKey,
		Status:         models.StatusPending,
	}

	steps := make([]*models.StepRun, 0, len(deployment.Steps))

	for name, step := range deployment.Steps {
		upstream := make([]string, len(step.Upstream))
		copy(upstream, step.Upstream)
		sort.Strings(upstream)

		steps = append(steps, &models.StepRun{
			RunID:        run.ID,
			PipelineName: deployment.PipelineName,
			StepName:     name,
			Upstream:     upstream,
			Status:       models.StatusPending,
		})
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].StepName < steps[j].StepName })

	if err := t.store.CreateRun(ctx, run, steps); err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "Run created",
		"run_id", run.ID,
		"deployment_id", deployment.ID,
		"pipeline_name", deployment.PipelineName,
		"steps", len(steps))

	return run, nil
}

// StartRun transitions a pending run to running, stamping the backend
// correlation token and the start time. Returns ErrPrecondition when the
// run has already been started or finished.
func (t *Tracker) StartRun(ctx context.Context, runID, orchestratorRunID string) (*models.PipelineRun, error) {
	run, err := t.store.RunByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: run %s is %s, not %s", persistence.ErrPrecondition, runID, run.Status, models.StatusPending)
	}

	now := time.Now().UTC()
	status := models.StatusRunning

	return t.store.UpdateRun(ctx, runID, run.Version, persistence.RunPatch{
		Status:            &status,
		OrchestratorRunID: &orchestratorRunID,
		StartedAt:         &now,
	})
}

// MarkStepRunning transitions a step to running just before dispatch,
// recording the cache key the step was resolved under. Returns
// ErrPrecondition when the step is not pending (a second dispatcher lost
// the race) or when any upstream step has not finished successfully.
func (t *Tracker) MarkStepRunning(ctx context.Context, runID, stepName, cacheKey string) (*models.StepRun, error) {
	step, err := t.store.StepRun(ctx, runID, stepName)
	if err != nil {
		return nil, err
	}

	if step.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: step %s of run %s is %s, dispatch requires %s",
			persistence.ErrPrecondition, stepName, runID, step.Status, models.StatusPending)
	}

	if err := t.checkUpstreamSuccessful(ctx, runID, step); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	status := models.StatusRunning

	return t.store.UpdateStepRun(ctx, runID, stepName, step.Version, persistence.StepRunPatch{
		Status:    &status,
		CacheKey:  &cacheKey,
		StartedAt: &now,
	})
}

// MarkStepCompleted records a successful execution with its output refs
// and recomputes the run's aggregate status.
func (t *Tracker) MarkStepCompleted(ctx context.Context, runID, stepName string, outputs map[string]models.ArtifactRef) (*models.StepRun, error) {
	step, err := t.transitionStep(ctx, runID, stepName, models.StatusCompleted, persistence.StepRunPatch{
		OutputRefs: outputs,
	})
	if err != nil {
		return nil, err
	}

	return step, t.recomputeRunStatus(ctx, runID)
}

// MarkStepFailed records a failed execution and recomputes the run's
// aggregate status, which turns the run failed.
func (t *Tracker) MarkStepFailed(ctx context.Context, runID, stepName string, stepErr error) (*models.StepRun, error) {
	message := "step execution failed"
	if stepErr != nil {
		message = stepErr.Error()
	}

	step, err := t.transitionStep(ctx, runID, stepName, models.StatusFailed, persistence.StepRunPatch{
		ErrorMessage: &message,
	})
	if err != nil {
		return nil, err
	}

	return step, t.recomputeRunStatus(ctx, runID)
}

// MarkStepCached short-circuits a pending step with outputs reused from an
// earlier run. The step never starts, so only the finish time is stamped.
func (t *Tracker) MarkStepCached(ctx context.Context, runID, stepName, cacheKey string, outputs map[string]models.ArtifactRef, sourceRunID string) (*models.StepRun, error) {
	step, err := t.store.StepRun(ctx, runID, stepName)
	if err != nil {
		return nil, err
	}

	if step.Status != models.StatusPending {
		return nil, fmt.Errorf("%w: step %s of run %s is %s, caching requires %s",
			persistence.ErrPrecondition, stepName, runID, step.Status, models.StatusPending)
	}

	now := time.Now().UTC()
	status := models.StatusCached

	updated, err := t.store.UpdateStepRun(ctx, runID, stepName, step.Version, persistence.StepRunPatch{
		Status:      &status,
		CacheKey:    &cacheKey,
		OutputRefs:  outputs,
		SourceRunID: &sourceRunID,
		FinishedAt:  &now,
	})
	if err != nil {
		return nil, err
	}

	return updated, t.recomputeRunStatus(ctx, runID)
}

// transitionStep applies a terminal transition with the usual forward-only
// guard and finish timestamp.
func (t *Tracker) transitionStep(ctx context.Context, runID, stepName string, next models.ExecutionStatus, patch persistence.StepRunPatch) (*models.StepRun, error) {
	step, err := t.store.StepRun(ctx, runID, stepName)
	if err != nil {
		return nil, err
	}

	if !step.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: step %s of run %s cannot move from %s to %s",
			persistence.ErrPrecondition, stepName, runID, step.Status, next)
	}

	now := time.Now().UTC()
	patch.Status = &next
	patch.FinishedAt = &now

	return t.store.UpdateStepRun(ctx, runID, stepName, step.Version, patch)
}

// checkUpstreamSuccessful verifies every upstream step run finished in a
// successful terminal state.
func (t *Tracker) checkUpstreamSuccessful(ctx context.Context, runID string, step *models.StepRun) error {
	if len(step.Upstream) == 0 {
		return nil
	}

	steps, err := t.store.ListStepRuns(ctx, runID)
	if err != nil {
		return err
	}

	byName := make(map[string]*models.StepRun, len(steps))
	for _, s := range steps {
		byName[s.StepName] = s
	}

	for _, name := range step.Upstream {
		upstream, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: step %s of run %s lists unknown upstream %s",
				persistence.ErrPrecondition, step.StepName, runID, name)
		}

		if !upstream.Status.IsSuccessful() {
			return fmt.Errorf("%w: step %s of run %s requires upstream %s to be finished, but it is %s",
				persistence.ErrPrecondition, step.StepName, runID, name, upstream.Status)
		}
	}

	return nil
}

// recomputeRunStatus derives the run's aggregate status from its step runs
// and writes it back. A terminal run is never resurrected by late step
// reports. Lost version races are retried because the aggregate only
// moves forward regardless of who wins.
func (t *Tracker) recomputeRunStatus(ctx context.Context, runID string) error {
	for attempt := 0; attempt < aggregateRetries; attempt++ {
		run, err := t.store.RunByID(ctx, runID)
		if err != nil {
			return err
		}

		if run.Status.IsTerminal() {
			return nil
		}

		steps, err := t.store.ListStepRuns(ctx, runID)
		if err != nil {
			return err
		}

		next := models.AggregateRunStatus(steps)
		if next == run.Status || !run.Status.CanTransitionTo(next) {
			return nil
		}

		patch := persistence.RunPatch{Status: &next}

		if next.IsTerminal() {
			now := time.Now().UTC()
			patch.FinishedAt = &now
		}

		_, err = t.store.UpdateRun(ctx, runID, run.Version, patch)
		if err == nil {
			t.logger.InfoContext(ctx, "Run status updated",
				"run_id", runID,
				"status", next)

			return nil
		}

		if !persistence.IsPrecondition(err) {
			return err
		}
	}

	return fmt.Errorf("%w: run %s aggregate status contended after %d attempts",
		persistence.ErrPrecondition, runID, aggregateRetries)
}
