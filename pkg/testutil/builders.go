// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/google/uuid"
	"github.com/trellis-ml/trellis/pkg/models"
)

// CreateTestStep creates a step descriptor with default values that can be
// overridden.
func CreateTestStep(overrides ...func(*models.Step)) *models.Step {
	step := &models.Step{
		Name:         "load",
		Source:       "steps.load@sha256:ab12cd34",
		CacheEnabled: true,
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// WithStepName sets the step name.
func WithStepName(name string) func(*models.Step) {
	return func(s *models.Step) {
		s.Name = name
	}
}

// WithSource sets the step's code fingerprint.
func WithSource(source string) func(*models.Step) {
	return func(s *models.Step) {
		s.Source = source
	}
}

// WithUpstream sets the step's upstream dependencies.
func WithUpstream(names ...string) func(*models.Step) {
	return func(s *models.Step) {
		s.Upstream = names
	}
}

// WithLiteralInput binds a literal parameter value.
func WithLiteralInput(name string, value any) func(*models.Step) {
	return func(s *models.Step) {
		if s.Inputs == nil {
			s.Inputs = make(map[string]models.Input)
		}

		s.Inputs[name] = models.Input{Value: value}
	}
}

// WithArtifactInput binds a parameter to an upstream step's output slot.
func WithArtifactInput(name, step, output string) func(*models.Step) {
	return func(s *models.Step) {
		if s.Inputs == nil {
			s.Inputs = make(map[string]models.Input)
		}

		s.Inputs[name] = models.Input{Step: step, Output: output}
	}
}

// WithOutputs declares named output slots.
func WithOutputs(names ...string) func(*models.Step) {
	return func(s *models.Step) {
		s.Outputs = make([]models.OutputSpec, 0, len(names))
		for _, name := range names {
			s.Outputs = append(s.Outputs, models.OutputSpec{Name: name})
		}
	}
}

// WithCacheDisabled marks the step as never cached.
func WithCacheDisabled() func(*models.Step) {
	return func(s *models.Step) {
		s.CacheEnabled = false
	}
}

// WithStepBackend overrides the run-level stack profile for the step.
func WithStepBackend(profileID string) func(*models.Step) {
	return func(s *models.Step) {
		s.Backend = profileID
	}
}

// CreateTestDeployment creates a compiled deployment with default values
// that can be overridden. The default graph is load -> train.
func CreateTestDeployment(overrides ...func(*models.Deployment)) *models.Deployment {
	load := CreateTestStep()
	train := CreateTestStep(
		WithStepName("train"),
		WithSource("steps.train@sha256:ef56ab78"),
		WithUpstream("load"),
	)

	deployment := &models.Deployment{
		ID:           "dep-" + uuid.New().String()[:8],
		PipelineName: "training",
		Steps: map[string]*models.Step{
			load.Name:  load,
			train.Name: train,
		},
		RunConfig:   models.RunConfig{Stack: models.DefaultStackID},
		VersionHash: "0000000000000000000000000000000000000000000000000000000000000000",
		CreatedAt:   time.Now().UTC(),
	}

	for _, override := range overrides {
		override(deployment)
	}

	return deployment
}

// WithPipelineName sets the pipeline name.
func WithPipelineName(name string) func(*models.Deployment) {
	return func(d *models.Deployment) {
		d.PipelineName = name
	}
}

// WithSteps replaces the step graph, keyed by step name.
func WithSteps(steps ...*models.Step) func(*models.Deployment) {
	return func(d *models.Deployment) {
		d.Steps = make(map[string]*models.Step, len(steps))
		for _, step := range steps {
			d.Steps[step.Name] = step
		}
	}
}

// WithSchedule attaches a cron schedule.
func WithSchedule(cron string) func(*models.Deployment) {
	return func(d *models.Deployment) {
		d.RunConfig.Schedule = &models.Schedule{Cron: cron}
	}
}

// WithRunStack sets the run-level stack profile.
func WithRunStack(profileID string) func(*models.Deployment) {
	return func(d *models.Deployment) {
		d.RunConfig.Stack = profileID
	}
}

// WithParameters sets the run-level parameters.
func WithParameters(parameters map[string]any) func(*models.Deployment) {
	return func(d *models.Deployment) {
		d.RunConfig.Parameters = parameters
	}
}

// CreateTestRun creates a pipeline run record with default values that can
// be overridden.
func CreateTestRun(overrides ...func(*models.PipelineRun)) *models.PipelineRun {
	now := time.Now().UTC()

	run := &models.PipelineRun{
		ID:             "run-" + uuid.New().String()[:8],
		DeploymentID:   "dep-test",
		PipelineName:   "training",
		IdempotencyKey: uuid.New().String(),
		Status:         models.StatusPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	for _, override := range overrides {
		override(run)
	}

	return run
}

// WithRunDeployment points the run at a deployment.
func WithRunDeployment(deploymentID string) func(*models.PipelineRun) {
	return func(r *models.PipelineRun) {
		r.DeploymentID = deploymentID
	}
}

// WithRunStatus sets the run status.
func WithRunStatus(status models.ExecutionStatus) func(*models.PipelineRun) {
	return func(r *models.PipelineRun) {
		r.Status = status
	}
}

// WithIdempotencyKey sets the run's idempotency key.
func WithIdempotencyKey(key string) func(*models.PipelineRun) {
	return func(r *models.PipelineRun) {
		r.IdempotencyKey = key
	}
}

// CreateTestStepRun creates a step run record with default values that can
// be overridden.
func CreateTestStepRun(overrides ...func(*models.StepRun)) *models.StepRun {
	stepRun := &models.StepRun{
		RunID:        "run-test",
		PipelineName: "training",
		StepName:     "load",
		Status:       models.StatusPending,
		Version:      1,
		UpdatedAt:    time.Now().UTC(),
	}

	for _, override := range overrides {
		override(stepRun)
	}

	return stepRun
}

// WithStepRunStatus sets the step run status.
func WithStepRunStatus(status models.ExecutionStatus) func(*models.StepRun) {
	return func(s *models.StepRun) {
		s.Status = status
	}
}

// WithCacheKey sets the step run's cache key.
func WithCacheKey(key string) func(*models.StepRun) {
	return func(s *models.StepRun) {
		s.CacheKey = key
	}
}

// WithOutputRefs records produced artifact references.
func WithOutputRefs(refs map[string]models.ArtifactRef) func(*models.StepRun) {
	return func(s *models.StepRun) {
		s.OutputRefs = refs
	}
}

// CreateTestStackProfile creates a stack profile with default values that
// can be overridden.
func CreateTestStackProfile(overrides ...func(*models.StackProfile)) *models.StackProfile {
	profile := &models.StackProfile{
		ID:        "gpu",
		Backend:   "local",
		Config:    map[string]any{"max_parallelism": 2},
		CreatedAt: time.Now().UTC(),
	}

	for _, override := range overrides {
		override(profile)
	}

	return profile
}

// WithBackendType sets the backend factory type the profile instantiates.
func WithBackendType(backendType string) func(*models.StackProfile) {
	return func(p *models.StackProfile) {
		p.Backend = backendType
	}
}

// WithStackConfig sets the profile configuration.
func WithStackConfig(config map[string]any) func(*models.StackProfile) {
	return func(p *models.StackProfile) {
		p.Config = config
	}
}
