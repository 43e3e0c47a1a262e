package protocol

import (
	"context"

	"github.com/trellis-ml/trellis/pkg/models"
)

// StepInputs is the resolved input set for one step invocation: literal
// parameters plus artifact references produced upstream.
type StepInputs struct {
	Params    map[string]any
	Artifacts map[string]models.ArtifactRef
}

// StepFunc is a registered step implementation. It returns one artifact
// reference per declared output slot.
type StepFunc func(ctx context.Context, inputs StepInputs) (map[string]models.ArtifactRef, error)

// StepResolver resolves a step's source fingerprint to its implementation.
type StepResolver interface {
	Step(source string) (StepFunc, error)
}
