// Package orchestrator turns a compiled deployment into an ordered
// sequence of step executions: it walks the step graph in topological
// order, consults the cache resolver per step, delegates misses to an
// execution backend, and records every outcome through the run tracker.
//
// The dispatch loop is single-process but all run state lives in the
// store, so a crashed coordinator can be restarted with the same
// idempotency key and resume where the records left off, and remote
// workers can report step completion from other processes.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/trellis-ml/trellis/pkg/cache"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
	"github.com/trellis-ml/trellis/pkg/protocol"
	"github.com/trellis-ml/trellis/pkg/tracker"
)

// ErrExecutionBackend wraps a backend dispatch failure. It lands in the
// failed step's record as data; it never aborts the run loop.
var ErrExecutionBackend = errors.New("execution backend failure")

// defaultPollInterval paces the store polls that wait for deferred step
// results reported by worker processes.
const defaultPollInterval = 200 * time.Millisecond

// RunOptions carries the per-invocation identity and overrides for one
// coordinator run.
type RunOptions struct {
	// IdempotencyKey makes retried invocations resolve to the same run.
	IdempotencyKey string

	// StepBackends overrides the run-level backend for individual steps,
	// keyed by step name. Callers pre-resolve them from each step's stack
	// profile override.
	StepBackends map[string]protocol.ExecutionBackend
}

// stepOutcome is what one dispatch goroutine reports back to the loop.
type stepOutcome struct {
	name string
	step *models.StepRun
	err  error
}

// Coordinator drives pipeline runs to completion.
type Coordinator struct {
	logger       *slog.Logger
	store        persistence.Store
	tracker      *tracker.Tracker
	cache        *cache.Resolver
	pollInterval time.Duration
}

// NewCoordinator creates a dispatch coordinator backed by the given store.
func NewCoordinator(logger *slog.Logger, store persistence.Store) *Coordinator {
	return &Coordinator{
		logger:       logger.With("module", "orchestrator"),
		store:        store,
		tracker:      tracker.NewTracker(logger, store),
		cache:        cache.NewResolver(logger, store),
		pollInterval: defaultPollInterval,
	}
}

// Run executes a deployment on the given backend and returns the final
// persisted run. Step failures are recorded, their transitive dependents
// stay pending, and independent branches keep dispatching; only store
// failures abort and surface as an error.
func (c *Coordinator) Run(ctx context.Context, deployment *models.Deployment, backend protocol.ExecutionBackend, opts RunOptions) (*models.PipelineRun, error) {
	if backend == nil {
		return nil, errors.New("execution backend is required")
	}

	// The deployment was validated at compile time; re-check the graph
	// here so a hand-built deployment cannot create records for a run
	// that can never finish.
	order, err := models.TopologicalOrder(deployment.Steps)
	if err != nil {
		return nil, err
	}

	run, err := c.beginOrResume(ctx, deployment, opts.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		c.logger.InfoContext(ctx, "Run already finished, nothing to dispatch",
			"run_id", run.ID,
			"status", run.Status)

		return run, nil
	}

	if run.Status == models.StatusPending {
		run, err = c.startRun(ctx, run.ID, backend)
		if err != nil {
			return nil, err
		}

		if run.Status.IsTerminal() {
			return run, nil
		}
	}

	if err := c.dispatch(ctx, deployment, run, backend, opts.StepBackends, order); err != nil {
		return nil, err
	}

	return c.store.RunByID(ctx, run.ID)
}

// beginOrResume creates the run, or recovers the existing one when the
// idempotency key has been seen before.
func (c *Coordinator) beginOrResume(ctx context.Context, deployment *models.Deployment, idempotencyKey string) (*models.PipelineRun, error) {
	run, err := c.tracker.BeginRun(ctx, deployment, tracker.BeginRunOptions{IdempotencyKey: idempotencyKey})
	if err == nil {
		return run, nil
	}

	if !persistence.IsDuplicateRun(err) || idempotencyKey == "" {
		return nil, err
	}

	existing, err := c.store.RunByIdempotencyKey(ctx, deployment.ID, idempotencyKey)
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "Resuming existing run",
		"run_id", existing.ID,
		"idempotency_key", idempotencyKey,
		"status", existing.Status)

	return existing, nil
}

// startRun moves the run to running. Losing the start race to another
// coordinator is fine; the winner's record is adopted.
func (c *Coordinator) startRun(ctx context.Context, runID string, backend protocol.ExecutionBackend) (*models.PipelineRun, error) {
	orchestratorRunID := backend.ID() + "-" + uuid.New().String()[:8]

	run, err := c.tracker.StartRun(ctx, runID, orchestratorRunID)
	if err == nil {
		return run, nil
	}

	if !persistence.IsPrecondition(err) {
		return nil, err
	}

	return c.store.RunByID(ctx, runID)
}

// dispatch drives every step of the run to a terminal state, bounded by
// the backend's declared parallelism.
func (c *Coordinator) dispatch(ctx context.Context, deployment *models.Deployment, run *models.PipelineRun, backend protocol.ExecutionBackend, overrides map[string]protocol.ExecutionBackend, order []string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	downstream, err := models.DownstreamIndex(deployment.Steps)
	if err != nil {
		return err
	}

	stepRuns, err := c.store.ListStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}

	state := make(map[string]*models.StepRun, len(stepRuns))
	for _, sr := range stepRuns {
		state[sr.StepName] = sr
	}

	blocked := make(map[string]bool)
	inFlight := make(map[string]bool)
	results := make(chan stepOutcome)

	for name, sr := range state {
		if sr.Status == models.StatusFailed {
			blockDownstream(name, downstream, blocked)
		}
	}

	backendFor := func(name string) protocol.ExecutionBackend {
		if b, ok := overrides[name]; ok && b != nil {
			return b
		}

		return backend
	}

	readySteps := func() []string {
		var ready []string

		for _, name := range order {
			sr := state[name]
			if sr == nil || sr.Status != models.StatusPending || blocked[name] || inFlight[name] {
				continue
			}

			satisfied := true

			for _, up := range deployment.Steps[name].Upstream {
				if upstream := state[up]; upstream == nil || !upstream.Status.IsSuccessful() {
					satisfied = false

					break
				}
			}

			if satisfied {
				ready = append(ready, name)
			}
		}

		return ready
	}

	// Steps already running belong to a previous coordinator or a remote
	// worker; wait for their persisted terminal state instead of
	// re-dispatching them.
	for name, sr := range state {
		if sr.Status == models.StatusRunning {
			inFlight[name] = true

			go func(stepName string) {
				results <- c.awaitStep(ctx, run.ID, stepName)
			}(name)
		}
	}

	maxParallel := backend.MaxParallelism()

	var fatalErr error

	for {
		if fatalErr == nil {
			for _, name := range readySteps() {
				if maxParallel > 0 && len(inFlight) >= maxParallel {
					break
				}

				step := deployment.Steps[name]
				upstream := make(map[string]*models.StepRun, len(step.Upstream))

				for _, up := range step.Upstream {
					upstream[up] = state[up]
				}

				inFlight[name] = true

				go func(step *models.Step, stepBackend protocol.ExecutionBackend, upstream map[string]*models.StepRun) {
					results <- c.executeStep(ctx, deployment, run, stepBackend, step, upstream)
				}(step, backendFor(name), upstream)
			}
		}

		if len(inFlight) == 0 {
			break
		}

		outcome := <-results
		delete(inFlight, outcome.name)

		if outcome.err != nil {
			if fatalErr == nil {
				fatalErr = outcome.err

				// Stop the other in-flight steps; a loop that cannot
				// persist state must not keep dispatching.
				cancel()
			}

			continue
		}

		state[outcome.name] = outcome.step

		if outcome.step.Status == models.StatusFailed {
			c.logger.WarnContext(ctx, "Step failed, skipping its dependents",
				"run_id", run.ID,
				"step_name", outcome.name,
				"error", outcome.step.ErrorMessage)
			blockDownstream(outcome.name, downstream, blocked)
		}
	}

	return fatalErr
}

// executeStep takes one step from cache decision to terminal record.
func (c *Coordinator) executeStep(ctx context.Context, deployment *models.Deployment, run *models.PipelineRun, backend protocol.ExecutionBackend, step *models.Step, upstream map[string]*models.StepRun) stepOutcome {
	stackID := deployment.RunConfig.Stack
	if step.Backend != "" {
		stackID = step.Backend
	}

	upstreamRuns := make([]*models.StepRun, 0, len(upstream))
	for _, sr := range upstream {
		upstreamRuns = append(upstreamRuns, sr)
	}

	decision := c.cache.Resolve(ctx, cache.Request{
		Deployment: deployment,
		Step:       step,
		StackID:    stackID,
		Upstream:   upstreamRuns,
	})

	if decision.Hit {
		cached, err := c.tracker.MarkStepCached(ctx, run.ID, step.Name, decision.Key, decision.Outputs, decision.SourceRunID)
		if err != nil {
			return c.recoverStepRace(ctx, run.ID, step.Name, err)
		}

		c.logger.InfoContext(ctx, "Step reused from cache",
			"run_id", run.ID,
			"step_name", step.Name,
			"source_run_id", decision.SourceRunID)

		return stepOutcome{name: step.Name, step: cached}
	}

	if _, err := c.tracker.MarkStepRunning(ctx, run.ID, step.Name, decision.Key); err != nil {
		return c.recoverStepRace(ctx, run.ID, step.Name, err)
	}

	result, execErr := backend.Execute(ctx, protocol.ExecutionRequest{
		Run:        run,
		Deployment: deployment,
		Step:       step,
		CacheKey:   decision.Key,
		Upstream:   upstream,
	})
	if execErr != nil {
		return c.finishStep(ctx, run.ID, step.Name, protocol.ExecutionResult{
			Status:      protocol.ResultFailed,
			ErrorDetail: fmt.Errorf("%w: %w", ErrExecutionBackend, execErr).Error(),
		})
	}

	if result.Status == protocol.ResultPending {
		c.logger.InfoContext(ctx, "Step deferred, awaiting remote completion",
			"run_id", run.ID,
			"step_name", step.Name,
			"correlation_id", result.CorrelationID)

		return c.awaitStep(ctx, run.ID, step.Name)
	}

	return c.finishStep(ctx, run.ID, step.Name, result)
}

// finishStep records a terminal backend result on the step run.
func (c *Coordinator) finishStep(ctx context.Context, runID, stepName string, result protocol.ExecutionResult) stepOutcome {
	var (
		updated *models.StepRun
		err     error
	)

	switch result.Status {
	case protocol.ResultSucceeded:
		updated, err = c.tracker.MarkStepCompleted(ctx, runID, stepName, result.Outputs)
	case protocol.ResultFailed:
		updated, err = c.tracker.MarkStepFailed(ctx, runID, stepName, errors.New(result.ErrorDetail))
	default:
		updated, err = c.tracker.MarkStepFailed(ctx, runID, stepName,
			fmt.Errorf("%w: backend returned unknown result status %q", ErrExecutionBackend, result.Status))
	}

	if err != nil {
		return c.recoverStepRace(ctx, runID, stepName, err)
	}

	return stepOutcome{name: stepName, step: updated}
}

// recoverStepRace handles a lost transition race: some other writer owns
// the step now, so wait for the state they persist. Anything that is not
// a precondition failure is a store problem and aborts the run loop.
func (c *Coordinator) recoverStepRace(ctx context.Context, runID, stepName string, cause error) stepOutcome {
	if !persistence.IsPrecondition(cause) {
		return stepOutcome{name: stepName, err: cause}
	}

	c.logger.DebugContext(ctx, "Lost a step transition race, awaiting the winner",
		"run_id", runID,
		"step_name", stepName,
		"cause", cause)

	return c.awaitStep(ctx, runID, stepName)
}

// awaitStep polls the store until the step run reaches a terminal state.
// The context bounds how long a caller is willing to wait.
func (c *Coordinator) awaitStep(ctx context.Context, runID, stepName string) stepOutcome {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		step, err := c.store.StepRun(ctx, runID, stepName)
		if err != nil {
			return stepOutcome{name: stepName, err: err}
		}

		if step.Status.IsTerminal() {
			return stepOutcome{name: stepName, step: step}
		}

		select {
		case <-ctx.Done():
			return stepOutcome{name: stepName, err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// blockDownstream marks every transitive dependent of the given step so
// the loop never dispatches them in this run.
func blockDownstream(name string, downstream map[string][]string, blocked map[string]bool) {
	for _, dependent := range downstream[name] {
		if blocked[dependent] {
			continue
		}

		blocked[dependent] = true
		blockDownstream(dependent, downstream, blocked)
	}
}
