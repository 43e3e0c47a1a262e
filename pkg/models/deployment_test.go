package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSteps() []*Step {
	return []*Step{
		{
			Name:         "load",
			Source:       "steps.load@v1",
			CacheEnabled: true,
			Outputs:      []OutputSpec{{Name: "data", Type: "dataset"}},
		},
		{
			Name:         "train",
			Source:       "steps.train@v1",
			Upstream:     []string{"load"},
			CacheEnabled: true,
			Inputs: map[string]Input{
				"data":   {Step: "load", Output: "data"},
				"epochs": {Value: float64(10)},
			},
			Outputs: []OutputSpec{{Name: "model", Type: "model"}},
		},
	}
}

func TestNewDeployment_Valid(t *testing.T) {
	deployment, err := NewDeployment("dep-1", "training", validSteps(), RunConfig{Stack: DefaultStackID})
	require.NoError(t, err)

	assert.Equal(t, "dep-1", deployment.ID)
	assert.Len(t, deployment.Steps, 2)
	assert.False(t, deployment.CreatedAt.IsZero())

	order, err := deployment.StepNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"load", "train"}, order)
}

func TestNewDeployment_DuplicateStepName(t *testing.T) {
	steps := validSteps()
	steps = append(steps, &Step{Name: "load", Source: "steps.other@v1"})

	_, err := NewDeployment("dep-1", "training", steps, RunConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDeployment)
}

func TestNewDeployment_CycleRejected(t *testing.T) {
	steps := []*Step{
		stepWithUpstream("a", "b"),
		stepWithUpstream("b", "a"),
	}

	_, err := NewDeployment("dep-1", "training", steps, RunConfig{})
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestNewDeployment_UnknownUpstream(t *testing.T) {
	steps := []*Step{stepWithUpstream("train", "missing")}

	_, err := NewDeployment("dep-1", "training", steps, RunConfig{})
	assert.ErrorIs(t, err, ErrInvalidDeployment)
}

func TestNewDeployment_InputReferencesUndeclaredOutput(t *testing.T) {
	steps := validSteps()
	steps[1].Inputs["data"] = Input{Step: "load", Output: "missing_slot"}

	_, err := NewDeployment("dep-1", "training", steps, RunConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDeployment)
	assert.Contains(t, err.Error(), "missing_slot")
}

func TestNewDeployment_InputReferencesStepNotListedUpstream(t *testing.T) {
	steps := validSteps()
	steps[1].Upstream = nil

	_, err := NewDeployment("dep-1", "training", steps, RunConfig{})
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestNewDeployment_InvalidSchedule(t *testing.T) {
	cfg := RunConfig{Schedule: &Schedule{Cron: "not a cron"}}

	_, err := NewDeployment("dep-1", "training", validSteps(), cfg)
	assert.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestStep_Validate_SelfDependency(t *testing.T) {
	step := &Step{Name: "a", Source: "a@v1", Upstream: []string{"a"}}

	err := step.Validate()
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestStep_Validate_InputMixesLiteralAndReference(t *testing.T) {
	step := &Step{
		Name:     "train",
		Source:   "train@v1",
		Upstream: []string{"load"},
		Inputs: map[string]Input{
			"data": {Value: 1, Step: "load", Output: "data"},
		},
	}

	err := step.Validate()
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestStep_Validate_DuplicateOutput(t *testing.T) {
	step := &Step{
		Name:    "load",
		Source:  "load@v1",
		Outputs: []OutputSpec{{Name: "data"}, {Name: "data"}},
	}

	err := step.Validate()
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestInput_IsLiteral(t *testing.T) {
	assert.True(t, Input{Value: 42}.IsLiteral())
	assert.True(t, Input{}.IsLiteral())
	assert.False(t, Input{Step: "load", Output: "data"}.IsLiteral())
}
