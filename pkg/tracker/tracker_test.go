package tracker

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
	"github.com/trellis-ml/trellis/pkg/persistence/file"
)

func newTestTracker(t *testing.T) (*Tracker, persistence.Store) {
	t.Helper()

	store := file.NewStore(t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	return NewTracker(logger, store), store
}

func testDeployment(t *testing.T, store persistence.Store) *models.Deployment {
	t.Helper()

	steps := []*models.Step{
		{
			Name:         "load",
			Source:       "load@sha256:1111",
			Outputs:      []models.OutputSpec{{Name: "dataset", Type: "DataFrame"}},
			CacheEnabled: true,
		},
		{
			Name:     "train",
			Source:   "train@sha256:2222",
			Upstream: []string{"load"},
			Inputs: map[string]models.Input{
				"dataset": {Step: "load", Output: "dataset"},
				"epochs":  {Value: float64(5)},
			},
			Outputs:      []models.OutputSpec{{Name: "model", Type: "Model"}},
			CacheEnabled: true,
		},
		{
			Name:     "evaluate",
			Source:   "evaluate@sha256:3333",
			Upstream: []string{"train", "load"},
			Inputs: map[string]models.Input{
				"model":   {Step: "train", Output: "model"},
				"dataset": {Step: "load", Output: "dataset"},
			},
			Outputs:      []models.OutputSpec{{Name: "report", Type: "dict"}},
			CacheEnabled: true,
		},
	}

	deployment, err := models.NewDeployment("dep-1", "training", steps, models.RunConfig{Stack: "local"})
	require.NoError(t, err)
	require.NoError(t, store.SaveDeployment(context.Background(), deployment))

	return deployment
}

func TestTracker_BeginRun(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(run.ID, "run-"))
	assert.Equal(t, "dep-1", run.DeploymentID)
	assert.Equal(t, "training", run.PipelineName)
	assert.Equal(t, "req-1", run.IdempotencyKey)
	assert.Equal(t, models.StatusPending, run.Status)

	steps, err := store.ListStepRuns(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	byName := make(map[string]*models.StepRun, len(steps))
	for _, step := range steps {
		assert.Equal(t, models.StatusPending, step.Status)
		assert.Equal(t, "training", step.PipelineName)
		byName[step.StepName] = step
	}

	assert.Empty(t, byName["load"].Upstream)
	assert.Equal(t, []string{"load"}, byName["train"].Upstream)
	assert.Equal(t, []string{"load", "train"}, byName["evaluate"].Upstream, "snapshotted upstream list is sorted")
}

func TestTracker_BeginRun_DuplicateIdempotencyKey(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	first, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)

	_, err = tracker.BeginRun(ctx, deployment, BeginRunOptions{IdempotencyKey: "req-1"})
	require.Error(t, err)
	assert.True(t, persistence.IsDuplicateRun(err))

	existing, err := store.RunByIdempotencyKey(ctx, deployment.ID, "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, existing.ID)

	// An empty key never correlates, so repeated calls create fresh runs.
	a, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)
	b, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestTracker_StartRun(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)

	started, err := tracker.StartRun(ctx, run.ID, "orch-abc")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, started.Status)
	assert.Equal(t, "orch-abc", started.OrchestratorRunID)
	require.NotNil(t, started.StartedAt)

	_, err = tracker.StartRun(ctx, run.ID, "orch-def")
	require.Error(t, err)
	assert.True(t, persistence.IsPrecondition(err))
}

func TestTracker_MarkStepRunning_UpstreamGate(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)

	_, err = tracker.MarkStepRunning(ctx, run.ID, "train", "key-train")
	require.Error(t, err)
	assert.True(t, persistence.IsPrecondition(err), "upstream load has not finished")

	step, err := tracker.MarkStepRunning(ctx, run.ID, "load", "key-load")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, step.Status)
	assert.Equal(t, "key-load", step.CacheKey)
	require.NotNil(t, step.StartedAt)

	_, err = tracker.MarkStepRunning(ctx, run.ID, "load", "key-load")
	require.Error(t, err)
	assert.True(t, persistence.IsPrecondition(err), "second dispatch must lose")

	_, err = tracker.MarkStepCompleted(ctx, run.ID, "load", map[string]models.ArtifactRef{"dataset": "art://r/load/dataset"})
	require.NoError(t, err)

	step, err = tracker.MarkStepRunning(ctx, run.ID, "train", "key-train")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, step.Status)
}

func TestTracker_MarkStepCompleted(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)
	_, err = tracker.StartRun(ctx, run.ID, "orch-abc")
	require.NoError(t, err)

	// Completing a step that was never dispatched is refused.
	_, err = tracker.MarkStepCompleted(ctx, run.ID, "load", nil)
	require.Error(t, err)
	assert.True(t, persistence.IsPrecondition(err))

	outputs := map[string]models.ArtifactRef{"dataset": "art://r/load/dataset"}
	_, err = tracker.MarkStepRunning(ctx, run.ID, "load", "key-load")
	require.NoError(t, err)

	step, err := tracker.MarkStepCompleted(ctx, run.ID, "load", outputs)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, step.Status)
	assert.Equal(t, outputs, step.OutputRefs)
	require.NotNil(t, step.FinishedAt)

	// One completed step out of three keeps the run running.
	current, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, current.Status)
}

func TestTracker_RunCompletesWhenAllStepsFinish(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)
	_, err = tracker.StartRun(ctx, run.ID, "orch-abc")
	require.NoError(t, err)

	for _, name := range []string{"load", "train", "evaluate"} {
		_, err = tracker.MarkStepRunning(ctx, run.ID, name, "key-"+name)
		require.NoError(t, err)
		_, err = tracker.MarkStepCompleted(ctx, run.ID, name, map[string]models.ArtifactRef{"out": models.ArtifactRef("art://r/" + name)})
		require.NoError(t, err)
	}

	final, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	require.NotNil(t, final.FinishedAt)
}

func TestTracker_MarkStepFailed_FailsRunImmediately(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)
	_, err = tracker.StartRun(ctx, run.ID, "orch-abc")
	require.NoError(t, err)

	_, err = tracker.MarkStepRunning(ctx, run.ID, "load", "key-load")
	require.NoError(t, err)

	step, err := tracker.MarkStepFailed(ctx, run.ID, "load", assert.AnError)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, step.Status)
	assert.Equal(t, assert.AnError.Error(), step.ErrorMessage)

	failed, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.FinishedAt)

	// Dependents that were never dispatched stay pending.
	trainStep, err := store.StepRun(ctx, run.ID, "train")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, trainStep.Status)
}

func TestTracker_TerminalRunNotResurrected(t *testing.T) {
	tracker, store := newTestTracker(t)
	ctx := context.Background()

	steps := []*models.Step{
		{Name: "extract_a", Source: "extract_a@sha256:aa", Outputs: []models.OutputSpec{{Name: "rows"}}},
		{Name: "extract_b", Source: "extract_b@sha256:bb", Outputs: []models.OutputSpec{{Name: "rows"}}},
		{Name: "merge", Source: "merge@sha256:cc", Upstream: []string{"extract_a", "extract_b"}},
	}
	deployment, err := models.NewDeployment("dep-2", "ingest", steps, models.RunConfig{Stack: "local"})
	require.NoError(t, err)
	require.NoError(t, store.SaveDeployment(ctx, deployment))

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)
	_, err = tracker.StartRun(ctx, run.ID, "orch-abc")
	require.NoError(t, err)

	// Both roots dispatched, then one fails the run while the other is
	// still in flight.
	_, err = tracker.MarkStepRunning(ctx, run.ID, "extract_a", "key-a")
	require.NoError(t, err)
	_, err = tracker.MarkStepRunning(ctx, run.ID, "extract_b", "key-b")
	require.NoError(t, err)
	_, err = tracker.MarkStepFailed(ctx, run.ID, "extract_a", assert.AnError)
	require.NoError(t, err)

	failed, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, failed.Status)
	require.NotNil(t, failed.FinishedAt)

	// The late completion still lands on the step record but the run's
	// terminal status holds.
	step, err := tracker.MarkStepCompleted(ctx, run.ID, "extract_b", map[string]models.ArtifactRef{"rows": "art://r/b"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, step.Status)

	after, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, after.Status)
	assert.Equal(t, failed.Version, after.Version, "terminal run record is left untouched")
}

func TestTracker_MarkStepCached(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)
	_, err = tracker.StartRun(ctx, run.ID, "orch-abc")
	require.NoError(t, err)

	outputs := map[string]models.ArtifactRef{"dataset": "art://run-0/load/dataset"}

	step, err := tracker.MarkStepCached(ctx, run.ID, "load", "key-load", outputs, "run-0")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCached, step.Status)
	assert.Equal(t, "key-load", step.CacheKey)
	assert.Equal(t, outputs, step.OutputRefs)
	assert.Equal(t, "run-0", step.SourceRunID)
	assert.Nil(t, step.StartedAt, "a cached step never starts")
	require.NotNil(t, step.FinishedAt)

	// Caching an already-running step is a double-dispatch bug.
	_, err = tracker.MarkStepRunning(ctx, run.ID, "train", "key-train")
	require.NoError(t, err)
	_, err = tracker.MarkStepCached(ctx, run.ID, "train", "key-train", nil, "run-0")
	require.Error(t, err)
	assert.True(t, persistence.IsPrecondition(err))
}

func TestTracker_RunCachedWhenEverySingleStepCached(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)
	_, err = tracker.StartRun(ctx, run.ID, "orch-abc")
	require.NoError(t, err)

	for _, name := range []string{"load", "train", "evaluate"} {
		_, err = tracker.MarkStepCached(ctx, run.ID, name, "key-"+name,
			map[string]models.ArtifactRef{"out": models.ArtifactRef("art://run-0/" + name)}, "run-0")
		require.NoError(t, err)
	}

	final, err := store.RunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCached, final.Status)
}

func TestTracker_MarkStepFailed_NilError(t *testing.T) {
	tracker, store := newTestTracker(t)
	deployment := testDeployment(t, store)
	ctx := context.Background()

	run, err := tracker.BeginRun(ctx, deployment, BeginRunOptions{})
	require.NoError(t, err)
	_, err = tracker.MarkStepRunning(ctx, run.ID, "load", "key-load")
	require.NoError(t, err)

	step, err := tracker.MarkStepFailed(ctx, run.ID, "load", nil)
	require.NoError(t, err)
	assert.Equal(t, "step execution failed", step.ErrorMessage)
}
