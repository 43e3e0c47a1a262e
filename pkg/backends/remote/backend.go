// Package remote provides the deferred reference backend. Execute only
// publishes a step.dispatched event and returns a pending result; a worker
// process consumes the event, runs the step, and reports the terminal
// outcome through the run tracker from its own process.
package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trellis-ml/trellis/pkg/eventbus"
	"github.com/trellis-ml/trellis/pkg/events"
	"github.com/trellis-ml/trellis/pkg/protocol"
)

// Backend dispatches steps to workers over the event bus.
type Backend struct {
	id             string
	logger         *slog.Logger
	eventBus       eventbus.EventBus
	maxParallelism int
}

// ID returns the backend instance identifier.
func (b *Backend) ID() string {
	return b.id
}

// MaxParallelism returns how many dispatched steps may be in flight at
// once. Zero means the workers set the pace.
func (b *Backend) MaxParallelism() int {
	return b.maxParallelism
}

// Execute publishes the step for a worker to pick up. The returned result
// is always pending; the worker reports completion via the tracker, which
// the coordinator observes through the store.
func (b *Backend) Execute(ctx context.Context, req protocol.ExecutionRequest) (protocol.ExecutionResult, error) {
	correlationID := b.eventBus.GenerateID()

	event := events.StepDispatched{
		BaseEvent:     events.NewBaseEvent(events.StepDispatchedEvent, req.Deployment.ID, req.Run.ID),
		StepName:      req.Step.Name,
		CacheKey:      req.CacheKey,
		Backend:       b.id,
		CorrelationID: correlationID,
	}

	key := req.Run.ID + ":" + correlationID

	if err := b.eventBus.Publish(ctx, key, event); err != nil {
		return protocol.ExecutionResult{}, fmt.Errorf("failed to dispatch step %s of run %s: %w", req.Step.Name, req.Run.ID, err)
	}

	b.logger.InfoContext(ctx, "Step dispatched to workers",
		"run_id", req.Run.ID,
		"step_name", req.Step.Name,
		"correlation_id", correlationID)

	return protocol.ExecutionResult{
		Status:        protocol.ResultPending,
		CorrelationID: correlationID,
	}, nil
}
