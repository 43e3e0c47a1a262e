// Package models defines the core domain model of trellis: compiled
// pipeline deployments, the step graph they carry, and the run records
// tracked for every execution.
package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDeployment is returned when a deployment violates one of its
// structural invariants.
var ErrInvalidDeployment = errors.New("invalid deployment configuration")

// RunConfig carries the run-level configuration shared by every run of a
// deployment.
type RunConfig struct {
	// Stack names the stack profile whose backend executes the run.
	Stack string `json:"stack"`

	// Schedule, when set, makes the activator start runs automatically.
	Schedule *Schedule `json:"schedule,omitempty"`

	// Parameters are extra run-level key/value settings, forwarded to
	// backends untouched.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Deployment is a compiled, immutable snapshot of a pipeline ready to run.
// Many runs may reference the same deployment; it is never edited after
// compilation.
type Deployment struct {
	ID           string           `json:"id"`
	PipelineName string           `json:"pipeline_name" validate:"required"`
	Steps        map[string]*Step `json:"steps"         validate:"required"`
	RunConfig    RunConfig        `json:"run_config"`
	VersionHash  string           `json:"version_hash"`
	CreatedAt    time.Time        `json:"created_at"`
}

// NewDeployment assembles a deployment from compiled steps and validates
// every structural invariant before returning it.
func NewDeployment(id, pipelineName string, steps []*Step, cfg RunConfig) (*Deployment, error) {
	byName := make(map[string]*Step, len(steps))

	for _, step := range steps {
		if step == nil {
			return nil, fmt.Errorf("%w: nil step", ErrInvalidDeployment)
		}

		if _, ok := byName[step.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate step name %q", ErrInvalidDeployment, step.Name)
		}

		byName[step.Name] = step
	}

	deployment := &Deployment{
		ID:           id,
		PipelineName: pipelineName,
		Steps:        byName,
		RunConfig:    cfg,
		CreatedAt:    time.Now().UTC(),
	}

	if err := deployment.Validate(); err != nil {
		return nil, err
	}

	return deployment, nil
}

// Validate checks the deployment's invariants: a non-empty pipeline name,
// internally valid steps, upstream and input references that resolve
// inside the deployment, an acyclic upstream relation, and a parseable
// schedule when one is configured.
func (d *Deployment) Validate() error {
	if d.PipelineName == "" {
		return fmt.Errorf("%w: missing pipeline name", ErrInvalidDeployment)
	}

	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: pipeline %q has no steps", ErrInvalidDeployment, d.PipelineName)
	}

	for name, step := range d.Steps {
		if step == nil {
			return fmt.Errorf("%w: step %q is nil", ErrInvalidDeployment, name)
		}

		if step.Name != name {
			return fmt.Errorf("%w: step keyed %q is named %q", ErrInvalidDeployment, name, step.Name)
		}

		if err := step.Validate(); err != nil {
			return err
		}

		for _, up := range step.Upstream {
			if _, ok := d.Steps[up]; !ok {
				return fmt.Errorf("%w: step %q references unknown upstream step %q", ErrInvalidDeployment, name, up)
			}
		}

		for param, input := range step.Inputs {
			if input.IsLiteral() {
				continue
			}

			upstream, ok := d.Steps[input.Step]
			if !ok {
				return fmt.Errorf("%w: step %q input %q references unknown step %q", ErrInvalidDeployment, name, param, input.Step)
			}

			if !upstream.HasOutput(input.Output) {
				return fmt.Errorf("%w: step %q input %q references output %q which step %q does not declare", ErrInvalidDeployment, name, param, input.Output, input.Step)
			}
		}
	}

	if _, err := TopologicalOrder(d.Steps); err != nil {
		return err
	}

	if d.RunConfig.Schedule != nil {
		if err := d.RunConfig.Schedule.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// StepNames returns the deployment's step names in deterministic
// topological order.
func (d *Deployment) StepNames() ([]string, error) {
	return TopologicalOrder(d.Steps)
}
