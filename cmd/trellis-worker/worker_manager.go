package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trellis-ml/trellis/pkg/eventbus"
	"github.com/trellis-ml/trellis/pkg/events"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/orchestrator"
	"github.com/trellis-ml/trellis/pkg/otelhelper"
	"github.com/trellis-ml/trellis/pkg/persistence"
	"github.com/trellis-ml/trellis/pkg/protocol"
	"github.com/trellis-ml/trellis/pkg/registry"
	"github.com/trellis-ml/trellis/pkg/stack"
	"github.com/trellis-ml/trellis/pkg/tracker"
	"go.opentelemetry.io/otel/trace"
)

type WorkerManager struct {
	id          string
	logger      *slog.Logger
	persistence persistence.Store
	registry    *registry.Registry
	eventBus    eventbus.EventBus
	tracker     *tracker.Tracker
	coordinator *orchestrator.Coordinator
	stacks      *stack.Resolver
	executor    protocol.ExecutionBackend
	tracer      trace.Tracer
}

func NewWorkerManager(
	id string,
	persistence persistence.Store,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	reg *registry.Registry,
	tracer trace.Tracer,
) *WorkerManager {
	logger = logger.With("module", "trellis-worker", "worker_id", id)

	deps := protocol.Dependencies{
		Logger:   logger,
		EventBus: eventBus,
		Store:    persistence,
		Steps:    reg,
	}

	return &WorkerManager{
		id:          id,
		logger:      logger,
		persistence: persistence,
		registry:    reg,
		eventBus:    eventBus,
		tracker:     tracker.NewTracker(logger, persistence),
		coordinator: orchestrator.NewCoordinator(logger, persistence),
		stacks:      stack.NewResolver(logger, persistence, reg, deps),
		tracer:      tracer,
	}
}

func (w *WorkerManager) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker manager", "worker_id", w.id)

	// Dispatched steps always execute in this process, whatever backend
	// the run itself was resolved to.
	executor, err := w.registry.CreateBackend(ctx, "local", map[string]any{}, protocol.Dependencies{
		Logger:   w.logger,
		EventBus: w.eventBus,
		Store:    w.persistence,
		Steps:    w.registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create local execution backend: %w", err)
	}

	w.executor = executor

	err = w.eventBus.Handle(events.RunRequestedEvent, w.handleRunRequested)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.StepDispatchedEvent, w.handleStepDispatched)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

func (w *WorkerManager) handleRunRequested(ctx context.Context, event any) error {
	requested, ok := event.(*events.RunRequested)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunRequested")

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.run_requested",
		otelhelper.DeploymentIDKey.String(requested.DeploymentID),
		otelhelper.WorkerIDKey.String(w.id))
	defer span.End()

	logger := w.logger.With(
		"deployment_id", requested.DeploymentID,
		"idempotency_key", requested.IdempotencyKey,
		"event_id", requested.ID,
	)
	logger.InfoContext(ctx, "Processing run requested event")

	deployment, err := w.persistence.DeploymentByID(ctx, requested.DeploymentID)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to load deployment", "error", err)

		// A request for a deployment that does not exist cannot be
		// retried into existence.
		if persistence.IsDeploymentNotFound(err) {
			return nil
		}

		return err
	}

	if len(requested.Parameters) > 0 {
		deployment = overlayParameters(deployment, requested.Parameters)
	}

	run, err := w.ensureRun(ctx, deployment, requested.IdempotencyKey)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to begin run", "error", err)

		return err
	}

	span.SetAttributes(otelhelper.RunIDKey.String(run.ID))

	if run.Status.IsTerminal() {
		logger.InfoContext(ctx, "Run already finished, republishing outcome",
			"run_id", run.ID,
			"status", run.Status)

		return w.publishRunFinished(ctx, deployment, run)
	}

	if err := w.publishRunStarted(ctx, deployment, run); err != nil {
		logger.ErrorContext(ctx, "Failed to publish run started event", "error", err)
	}

	runBackend, stepBackends, err := w.stacks.ResolveForDeployment(ctx, deployment)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to resolve execution stack", "error", err)

		return err
	}

	final, err := w.coordinator.Run(ctx, deployment, runBackend, orchestrator.RunOptions{
		IdempotencyKey: requested.IdempotencyKey,
		StepBackends:   stepBackends,
	})
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Run aborted", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Run finished",
		"run_id", final.ID,
		"status", final.Status)

	return w.publishRunFinished(ctx, deployment, final)
}

// ensureRun creates the run record up front so its identity can be
// announced before dispatch begins. The coordinator resumes the same
// record through the idempotency key.
func (w *WorkerManager) ensureRun(ctx context.Context, deployment *models.Deployment, idempotencyKey string) (*models.PipelineRun, error) {
	run, err := w.tracker.BeginRun(ctx, deployment, tracker.BeginRunOptions{IdempotencyKey: idempotencyKey})
	if err == nil {
		return run, nil
	}

	if !persistence.IsDuplicateRun(err) || idempotencyKey == "" {
		return nil, err
	}

	return w.persistence.RunByIdempotencyKey(ctx, deployment.ID, idempotencyKey)
}

func (w *WorkerManager) handleStepDispatched(ctx context.Context, event any) error {
	dispatched, ok := event.(*events.StepDispatched)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for StepDispatched")

		return nil
	}

	ctx, span := otelhelper.StartSpan(ctx, w.tracer, "worker.step_dispatched",
		otelhelper.DeploymentIDKey.String(dispatched.DeploymentID),
		otelhelper.RunIDKey.String(dispatched.RunID),
		otelhelper.StepNameKey.String(dispatched.StepName),
		otelhelper.WorkerIDKey.String(w.id))
	defer span.End()

	logger := w.logger.With(
		"run_id", dispatched.RunID,
		"step_name", dispatched.StepName,
		"correlation_id", dispatched.CorrelationID,
	)
	logger.InfoContext(ctx, "Processing dispatched step")

	run, err := w.persistence.RunByID(ctx, dispatched.RunID)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to load run", "error", err)

		if persistence.IsRunNotFound(err) {
			return nil
		}

		return err
	}

	deployment, err := w.persistence.DeploymentByID(ctx, run.DeploymentID)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to load deployment", "error", err)

		if persistence.IsDeploymentNotFound(err) {
			return nil
		}

		return err
	}

	step, ok := deployment.Steps[dispatched.StepName]
	if !ok {
		logger.ErrorContext(ctx, "Dispatched step not present in deployment")

		return nil
	}

	record, err := w.persistence.StepRun(ctx, run.ID, step.Name)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to load step run", "error", err)

		return err
	}

	if record.Status.IsTerminal() {
		logger.InfoContext(ctx, "Step already reported, ignoring duplicate dispatch",
			"status", record.Status)

		return nil
	}

	upstream, err := w.upstreamRuns(ctx, run.ID, step)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to load upstream step runs", "error", err)

		return err
	}

	started := time.Now()

	result, execErr := w.executor.Execute(ctx, protocol.ExecutionRequest{
		Run:        run,
		Deployment: deployment,
		Step:       step,
		CacheKey:   dispatched.CacheKey,
		Upstream:   upstream,
	})
	if execErr != nil {
		result = protocol.ExecutionResult{
			Status:      protocol.ResultFailed,
			ErrorDetail: execErr.Error(),
		}
	}

	durationMs := time.Since(started).Milliseconds()

	if result.Status == protocol.ResultSucceeded {
		return w.reportStepCompleted(ctx, logger, dispatched, run, step, result.Outputs, durationMs)
	}

	otelhelper.SetError(span, errors.New(result.ErrorDetail))

	return w.reportStepFailed(ctx, logger, dispatched, run, step, result.ErrorDetail, durationMs)
}

func (w *WorkerManager) reportStepCompleted(
	ctx context.Context,
	logger *slog.Logger,
	dispatched *events.StepDispatched,
	run *models.PipelineRun,
	step *models.Step,
	outputs map[string]models.ArtifactRef,
	durationMs int64,
) error {
	if _, err := w.tracker.MarkStepCompleted(ctx, run.ID, step.Name, outputs); err != nil {
		if persistence.IsPrecondition(err) {
			logger.InfoContext(ctx, "Step outcome already recorded by another worker")

			return nil
		}

		logger.ErrorContext(ctx, "Failed to record step completion", "error", err)

		return err
	}

	completed := events.StepCompleted{
		BaseEvent:     events.NewBaseEvent(events.StepCompletedEvent, run.DeploymentID, run.ID),
		StepName:      step.Name,
		OutputRefs:    outputs,
		CorrelationID: dispatched.CorrelationID,
		DurationMs:    durationMs,
	}
	completed.WorkerID = w.id

	logger.InfoContext(ctx, "Step completed", "duration_ms", durationMs)

	return w.eventBus.Publish(ctx, run.ID+":"+dispatched.CorrelationID, completed)
}

func (w *WorkerManager) reportStepFailed(
	ctx context.Context,
	logger *slog.Logger,
	dispatched *events.StepDispatched,
	run *models.PipelineRun,
	step *models.Step,
	detail string,
	durationMs int64,
) error {
	if _, err := w.tracker.MarkStepFailed(ctx, run.ID, step.Name, errors.New(detail)); err != nil {
		if persistence.IsPrecondition(err) {
			logger.InfoContext(ctx, "Step outcome already recorded by another worker")

			return nil
		}

		logger.ErrorContext(ctx, "Failed to record step failure", "error", err)

		return err
	}

	failed := events.StepFailed{
		BaseEvent:     events.NewBaseEvent(events.StepFailedEvent, run.DeploymentID, run.ID),
		StepName:      step.Name,
		Error:         detail,
		CorrelationID: dispatched.CorrelationID,
		DurationMs:    durationMs,
	}
	failed.WorkerID = w.id

	logger.WarnContext(ctx, "Step failed", "error", detail, "duration_ms", durationMs)

	return w.eventBus.Publish(ctx, run.ID+":"+dispatched.CorrelationID, failed)
}

func (w *WorkerManager) upstreamRuns(ctx context.Context, runID string, step *models.Step) (map[string]*models.StepRun, error) {
	upstream := make(map[string]*models.StepRun, len(step.Upstream))

	for _, name := range step.Upstream {
		record, err := w.persistence.StepRun(ctx, runID, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load upstream step %s: %w", name, err)
		}

		upstream[name] = record
	}

	return upstream, nil
}

func (w *WorkerManager) publishRunStarted(ctx context.Context, deployment *models.Deployment, run *models.PipelineRun) error {
	event := events.RunStarted{
		BaseEvent:         events.NewBaseEvent(events.RunStartedEvent, deployment.ID, run.ID),
		PipelineName:      deployment.PipelineName,
		OrchestratorRunID: run.OrchestratorRunID,
		StepCount:         len(deployment.Steps),
	}
	event.WorkerID = w.id

	return w.eventBus.Publish(ctx, deployment.ID+":"+run.ID, event)
}

func (w *WorkerManager) publishRunFinished(ctx context.Context, deployment *models.Deployment, run *models.PipelineRun) error {
	steps, err := w.persistence.ListStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}

	var executed, cached int

	for _, step := range steps {
		switch step.Status {
		case models.StatusCompleted:
			executed++
		case models.StatusCached:
			cached++
		}
	}

	event := events.RunFinished{
		BaseEvent:     events.NewBaseEvent(events.RunFinishedEvent, deployment.ID, run.ID),
		PipelineName:  deployment.PipelineName,
		Status:        run.Status,
		Duration:      runDuration(run),
		StepsExecuted: executed,
		StepsCached:   cached,
	}
	event.WorkerID = w.id

	return w.eventBus.Publish(ctx, deployment.ID+":"+run.ID, event)
}

func runDuration(run *models.PipelineRun) time.Duration {
	if run.StartedAt == nil || run.FinishedAt == nil {
		return 0
	}

	return run.FinishedAt.Sub(*run.StartedAt)
}

// overlayParameters copies the deployment with request-time parameters
// merged over the compiled run configuration. The stored deployment is
// never mutated.
func overlayParameters(deployment *models.Deployment, parameters map[string]any) *models.Deployment {
	merged := *deployment

	merged.RunConfig.Parameters = make(map[string]any, len(deployment.RunConfig.Parameters)+len(parameters))
	for name, value := range deployment.RunConfig.Parameters {
		merged.RunConfig.Parameters[name] = value
	}

	for name, value := range parameters {
		merged.RunConfig.Parameters[name] = value
	}

	return &merged
}
