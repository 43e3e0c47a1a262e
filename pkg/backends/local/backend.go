// Package local provides the synchronous reference backend. Steps run
// in-process through their registered step functions and Execute returns
// a terminal result directly.
package local

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/protocol"
)

// Backend executes steps in the calling process.
type Backend struct {
	id             string
	logger         *slog.Logger
	steps          protocol.StepResolver
	maxParallelism int
}

// ID returns the backend instance identifier.
func (b *Backend) ID() string {
	return b.id
}

// MaxParallelism returns how many steps may run concurrently in-process.
func (b *Backend) MaxParallelism() int {
	return b.maxParallelism
}

// Execute resolves the step's inputs and function and runs it. A step
// function error is a step-level failure carried in the result; an error
// return means the dispatch itself could not happen.
func (b *Backend) Execute(ctx context.Context, req protocol.ExecutionRequest) (protocol.ExecutionResult, error) {
	fn, err := b.steps.Step(req.Step.Source)
	if err != nil {
		return protocol.ExecutionResult{}, fmt.Errorf("failed to resolve step %s: %w", req.Step.Name, err)
	}

	inputs, err := ResolveInputs(req.Step, req.Upstream)
	if err != nil {
		return protocol.ExecutionResult{}, err
	}

	b.logger.InfoContext(ctx, "Executing step",
		"run_id", req.Run.ID,
		"step_name", req.Step.Name,
		"source", req.Step.Source)

	outputs, err := fn(ctx, inputs)
	if err != nil {
		b.logger.WarnContext(ctx, "Step execution failed",
			"run_id", req.Run.ID,
			"step_name", req.Step.Name,
			"error", err)

		return protocol.ExecutionResult{
			Status:      protocol.ResultFailed,
			ErrorDetail: err.Error(),
		}, nil
	}

	// A step that succeeds without producing every declared output broke
	// its contract; dependents would find nothing to consume.
	for _, out := range req.Step.Outputs {
		if _, ok := outputs[out.Name]; !ok {
			return protocol.ExecutionResult{
				Status:      protocol.ResultFailed,
				ErrorDetail: fmt.Sprintf("step %s returned no artifact for output %s", req.Step.Name, out.Name),
			}, nil
		}
	}

	return protocol.ExecutionResult{
		Status:  protocol.ResultSucceeded,
		Outputs: outputs,
	}, nil
}

// ResolveInputs assembles a step's invocation inputs: literal parameters
// straight from the descriptor, artifact inputs from the upstream step
// runs' recorded outputs.
func ResolveInputs(step *models.Step, upstream map[string]*models.StepRun) (protocol.StepInputs, error) {
	inputs := protocol.StepInputs{
		Params:    make(map[string]any),
		Artifacts: make(map[string]models.ArtifactRef),
	}

	for name, input := range step.Inputs {
		if input.IsLiteral() {
			inputs.Params[name] = input.Value

			continue
		}

		source, ok := upstream[input.Step]
		if !ok {
			return protocol.StepInputs{}, fmt.Errorf("step %s input %s: upstream step run %s not provided", step.Name, name, input.Step)
		}

		ref, ok := source.OutputRefs[input.Output]
		if !ok {
			return protocol.StepInputs{}, fmt.Errorf("step %s input %s: upstream step %s has no output %s", step.Name, name, input.Step, input.Output)
		}

		inputs.Artifacts[name] = ref
	}

	return inputs, nil
}
