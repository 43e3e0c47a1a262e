package models

import (
	"errors"
	"fmt"
)

// ErrInvalidStep is returned when a step descriptor violates its
// structural constraints.
var ErrInvalidStep = errors.New("invalid step configuration")

// Input binds one step parameter: either a literal value or a reference to
// an upstream step's output slot. Exactly one of the two forms is set.
type Input struct {
	// Value is the literal parameter value. Only meaningful when Step is
	// empty; a literal null is a valid value.
	Value any `json:"value,omitempty"`

	// Step names the upstream step the value comes from.
	Step string `json:"step,omitempty"`

	// Output names the output slot on that upstream step.
	Output string `json:"output,omitempty"`
}

// IsLiteral reports whether the input carries a literal value instead of
// an upstream reference.
func (i Input) IsLiteral() bool {
	return i.Step == ""
}

// OutputSpec declares one named output slot with its logical type.
type OutputSpec struct {
	Name string `json:"name" validate:"required"`
	Type string `json:"type,omitempty"`
}

// ResourceSettings carries execution resource hints for a step. The core
// forwards them to the execution backend without interpreting them.
type ResourceSettings struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
	GPU    int    `json:"gpu,omitempty"`
}

// Step is the fully resolved configuration of one unit of pipeline work.
// Steps are created at compile time, never mutated afterwards, and owned
// by exactly one deployment.
type Step struct {
	Name     string   `json:"name"   validate:"required"`
	Source   string   `json:"source" validate:"required"` // code-content fingerprint, also the registry key for the step function
	Upstream []string `json:"upstream,omitempty"`

	Inputs  map[string]Input `json:"inputs,omitempty"`
	Outputs []OutputSpec     `json:"outputs,omitempty"`

	CacheEnabled bool             `json:"cache_enabled"`
	Resources    ResourceSettings `json:"resources"`

	// Backend optionally overrides the run-level stack profile for this
	// step only.
	Backend string `json:"backend,omitempty"`
}

// HasOutput reports whether the step declares an output slot with the
// given name.
func (s *Step) HasOutput(name string) bool {
	for _, out := range s.Outputs {
		if out.Name == name {
			return true
		}
	}

	return false
}

// Validate checks the step's own constraints. Cross-step constraints
// (upstream existence, referenced output slots) are checked by the owning
// deployment.
func (s *Step) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: missing step name", ErrInvalidStep)
	}

	if s.Source == "" {
		return fmt.Errorf("%w: step %q has no source", ErrInvalidStep, s.Name)
	}

	seen := make(map[string]bool, len(s.Upstream))

	for _, up := range s.Upstream {
		if up == "" {
			return fmt.Errorf("%w: step %q lists an empty upstream name", ErrInvalidStep, s.Name)
		}

		if up == s.Name {
			return fmt.Errorf("%w: step %q depends on itself", ErrInvalidStep, s.Name)
		}

		if seen[up] {
			return fmt.Errorf("%w: step %q lists upstream %q twice", ErrInvalidStep, s.Name, up)
		}

		seen[up] = true
	}

	for param, input := range s.Inputs {
		if input.IsLiteral() {
			continue
		}

		if input.Output == "" {
			return fmt.Errorf("%w: step %q input %q references step %q without an output slot", ErrInvalidStep, s.Name, param, input.Step)
		}

		if input.Value != nil {
			return fmt.Errorf("%w: step %q input %q mixes a literal value with an upstream reference", ErrInvalidStep, s.Name, param)
		}

		if !seen[input.Step] {
			return fmt.Errorf("%w: step %q input %q references step %q which is not listed upstream", ErrInvalidStep, s.Name, param, input.Step)
		}
	}

	outputs := make(map[string]bool, len(s.Outputs))

	for _, out := range s.Outputs {
		if out.Name == "" {
			return fmt.Errorf("%w: step %q declares an unnamed output", ErrInvalidStep, s.Name)
		}

		if outputs[out.Name] {
			return fmt.Errorf("%w: step %q declares output %q twice", ErrInvalidStep, s.Name, out.Name)
		}

		outputs[out.Name] = true
	}

	return nil
}
