package local

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/protocol"
	"github.com/trellis-ml/trellis/pkg/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBackend(t *testing.T, reg *registry.Registry, config map[string]any) protocol.ExecutionBackend {
	t.Helper()

	backend, err := NewFactory().Create(context.Background(), config, protocol.Dependencies{
		Logger: testLogger(),
		Steps:  reg,
	})
	require.NoError(t, err)

	return backend
}

func trainRequest() protocol.ExecutionRequest {
	step := &models.Step{
		Name:     "train",
		Source:   "train@sha256:2222",
		Upstream: []string{"load"},
		Inputs: map[string]models.Input{
			"dataset": {Step: "load", Output: "dataset"},
			"epochs":  {Value: float64(5)},
		},
		Outputs: []models.OutputSpec{{Name: "model", Type: "Model"}},
	}

	return protocol.ExecutionRequest{
		Run:        &models.PipelineRun{ID: "run-1", PipelineName: "training"},
		Deployment: &models.Deployment{ID: "dep-1", PipelineName: "training", Steps: map[string]*models.Step{"train": step}},
		Step:       step,
		Upstream: map[string]*models.StepRun{
			"load": {
				RunID:      "run-1",
				StepName:   "load",
				Status:     models.StatusCompleted,
				OutputRefs: map[string]models.ArtifactRef{"dataset": "art://run-1/load/dataset"},
			},
		},
	}
}

func TestBackend_Execute_Success(t *testing.T) {
	reg := registry.NewRegistry(testLogger())
	reg.RegisterStep("train@sha256:2222", func(_ context.Context, inputs protocol.StepInputs) (map[string]models.ArtifactRef, error) {
		assert.Equal(t, float64(5), inputs.Params["epochs"])
		assert.Equal(t, models.ArtifactRef("art://run-1/load/dataset"), inputs.Artifacts["dataset"])

		return map[string]models.ArtifactRef{"model": "art://run-1/train/model"}, nil
	})

	backend := newTestBackend(t, reg, nil)

	result, err := backend.Execute(context.Background(), trainRequest())
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultSucceeded, result.Status)
	assert.Equal(t, models.ArtifactRef("art://run-1/train/model"), result.Outputs["model"])
}

func TestBackend_Execute_StepFailureIsAResult(t *testing.T) {
	reg := registry.NewRegistry(testLogger())
	reg.RegisterStep("train@sha256:2222", func(_ context.Context, _ protocol.StepInputs) (map[string]models.ArtifactRef, error) {
		return nil, errors.New("loss diverged")
	})

	backend := newTestBackend(t, reg, nil)

	result, err := backend.Execute(context.Background(), trainRequest())
	require.NoError(t, err, "a step failure is data, not a dispatch error")
	assert.Equal(t, protocol.ResultFailed, result.Status)
	assert.Equal(t, "loss diverged", result.ErrorDetail)
}

func TestBackend_Execute_UnknownSource(t *testing.T) {
	backend := newTestBackend(t, registry.NewRegistry(testLogger()), nil)

	_, err := backend.Execute(context.Background(), trainRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrStepNotRegistered)
}

func TestBackend_Execute_MissingDeclaredOutput(t *testing.T) {
	reg := registry.NewRegistry(testLogger())
	reg.RegisterStep("train@sha256:2222", func(_ context.Context, _ protocol.StepInputs) (map[string]models.ArtifactRef, error) {
		return map[string]models.ArtifactRef{}, nil
	})

	backend := newTestBackend(t, reg, nil)

	result, err := backend.Execute(context.Background(), trainRequest())
	require.NoError(t, err)
	assert.Equal(t, protocol.ResultFailed, result.Status)
	assert.Contains(t, result.ErrorDetail, "no artifact for output model")
}

func TestResolveInputs_MissingUpstreamRun(t *testing.T) {
	req := trainRequest()

	_, err := ResolveInputs(req.Step, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream step run load not provided")
}

func TestResolveInputs_MissingUpstreamOutput(t *testing.T) {
	req := trainRequest()
	req.Upstream["load"].OutputRefs = map[string]models.ArtifactRef{}

	_, err := ResolveInputs(req.Step, req.Upstream)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output dataset")
}

func TestFactory_Create(t *testing.T) {
	factory := NewFactory()
	assert.Equal(t, "local", factory.ID())

	backend := newTestBackend(t, registry.NewRegistry(testLogger()), nil)
	assert.Equal(t, "local", backend.ID())
	assert.Equal(t, defaultMaxParallelism, backend.MaxParallelism())

	configured := newTestBackend(t, registry.NewRegistry(testLogger()), map[string]any{"max_parallelism": float64(1)})
	assert.Equal(t, 1, configured.MaxParallelism())

	_, err := factory.Create(context.Background(), nil, protocol.Dependencies{Logger: testLogger()})
	require.Error(t, err)
}
