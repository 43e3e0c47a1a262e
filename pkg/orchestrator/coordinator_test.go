package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/trellis-ml/trellis/pkg/backends/local"
	"github.com/trellis-ml/trellis/pkg/mocks"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
	"github.com/trellis-ml/trellis/pkg/persistence/file"
	"github.com/trellis-ml/trellis/pkg/protocol"
	"github.com/trellis-ml/trellis/pkg/registry"
	"github.com/trellis-ml/trellis/pkg/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// executionCounter counts step executions by step source so tests can
// assert how often the backend actually ran something.
type executionCounter struct {
	mu     sync.Mutex
	counts map[string]int
	order  []string
}

func newExecutionCounter() *executionCounter {
	return &executionCounter{counts: make(map[string]int)}
}

func (e *executionCounter) record(source string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts[source]++
	e.order = append(e.order, source)
}

func (e *executionCounter) count(source string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.counts[source]
}

func (e *executionCounter) total() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for _, n := range e.counts {
		total += n
	}

	return total
}

func (e *executionCounter) sequence() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.order...)
}

// trainingSteps is the load -> train -> evaluate graph used across the
// caching scenarios. epochs is the literal whose change re-keys train.
func trainingSteps(epochs float64) []*models.Step {
	return []*models.Step{
		{
			Name:         "load",
			Source:       "steps.load",
			Outputs:      []models.OutputSpec{{Name: "dataset", Type: "DataFrame"}},
			CacheEnabled: true,
		},
		{
			Name:     "train",
			Source:   "steps.train",
			Upstream: []string{"load"},
			Inputs: map[string]models.Input{
				"dataset": {Step: "load", Output: "dataset"},
				"epochs":  {Value: epochs},
			},
			Outputs:      []models.OutputSpec{{Name: "model", Type: "Model"}},
			CacheEnabled: true,
		},
		{
			Name:     "evaluate",
			Source:   "steps.evaluate",
			Upstream: []string{"train"},
			Inputs: map[string]models.Input{
				"model": {Step: "train", Output: "model"},
			},
			Outputs:      []models.OutputSpec{{Name: "report", Type: "dict"}},
			CacheEnabled: true,
		},
	}
}

func trainingDeployment(t *testing.T, id string, epochs float64) *models.Deployment {
	t.Helper()

	deployment, err := models.NewDeployment(id, "training", trainingSteps(epochs), models.RunConfig{Stack: "local"})
	require.NoError(t, err)

	return deployment
}

// trainingRegistry registers one recording step function per training
// step. Returned refs are stable so cache keys stay comparable between
// runs.
func trainingRegistry(counter *executionCounter) *registry.Registry {
	reg := registry.NewRegistry(testLogger())

	for _, source := range []string{"steps.load", "steps.train", "steps.evaluate"} {
		src := source

		reg.RegisterStep(src, func(_ context.Context, _ protocol.StepInputs) (map[string]models.ArtifactRef, error) {
			counter.record(src)

			switch src {
			case "steps.load":
				return map[string]models.ArtifactRef{"dataset": "art://training/load/dataset"}, nil
			case "steps.train":
				return map[string]models.ArtifactRef{"model": "art://training/train/model"}, nil
			default:
				return map[string]models.ArtifactRef{"report": "art://training/evaluate/report"}, nil
			}
		})
	}

	return reg
}

func newLocalBackend(t *testing.T, reg *registry.Registry, config map[string]any) protocol.ExecutionBackend {
	t.Helper()

	backend, err := local.NewFactory().Create(context.Background(), config, protocol.Dependencies{
		Logger: testLogger(),
		Steps:  reg,
	})
	require.NoError(t, err)

	return backend
}

func stepStatuses(t *testing.T, store persistence.Store, runID string) map[string]models.ExecutionStatus {
	t.Helper()

	steps, err := store.ListStepRuns(context.Background(), runID)
	require.NoError(t, err)

	statuses := make(map[string]models.ExecutionStatus, len(steps))
	for _, step := range steps {
		statuses[step.StepName] = step.Status
	}

	return statuses
}

func TestCoordinator_Run_RejectsCyclicDeployment(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)

	// Assembled by hand to bypass compile-time validation.
	deployment := &models.Deployment{
		ID:           "dep-cyclic",
		PipelineName: "broken",
		Steps: map[string]*models.Step{
			"a": {Name: "a", Source: "steps.a", Upstream: []string{"b"}},
			"b": {Name: "b", Source: "steps.b", Upstream: []string{"a"}},
		},
		RunConfig: models.RunConfig{Stack: "local"},
	}

	backend := newLocalBackend(t, registry.NewRegistry(testLogger()), nil)

	_, err := coordinator.Run(context.Background(), deployment, backend, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCyclicDependency)

	// Rejection happens before any record is created.
	runs, err := store.ListRuns(context.Background(), persistence.ListRunsOptions{})
	require.NoError(t, err)
	assert.Empty(t, runs.Runs)
}

func TestCoordinator_Run_FirstRunExecutesEverything(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	counter := newExecutionCounter()
	backend := newLocalBackend(t, trainingRegistry(counter), nil)

	deployment := trainingDeployment(t, "dep-1", 10)
	require.NoError(t, store.SaveDeployment(context.Background(), deployment))

	run, err := coordinator.Run(context.Background(), deployment, backend, RunOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, run.Status)
	assert.NotEmpty(t, run.OrchestratorRunID)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)

	assert.Equal(t, 1, counter.count("steps.load"))
	assert.Equal(t, 1, counter.count("steps.train"))
	assert.Equal(t, 1, counter.count("steps.evaluate"))
	assert.Equal(t, []string{"steps.load", "steps.train", "steps.evaluate"}, counter.sequence())

	statuses := stepStatuses(t, store, run.ID)
	assert.Equal(t, models.StatusCompleted, statuses["load"])
	assert.Equal(t, models.StatusCompleted, statuses["train"])
	assert.Equal(t, models.StatusCompleted, statuses["evaluate"])

	trainStep, err := store.StepRun(context.Background(), run.ID, "train")
	require.NoError(t, err)
	assert.NotEmpty(t, trainStep.CacheKey)
	assert.Equal(t, models.ArtifactRef("art://training/train/model"), trainStep.OutputRefs["model"])
}

func TestCoordinator_Run_SecondRunIsFullyCached(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	counter := newExecutionCounter()
	backend := newLocalBackend(t, trainingRegistry(counter), nil)
	ctx := context.Background()

	first, err := coordinator.Run(ctx, trainingDeployment(t, "dep-1", 10), backend, RunOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, first.Status)
	require.Equal(t, 3, counter.total())

	// Re-compiled, unchanged pipeline: every step comes from history.
	second, err := coordinator.Run(ctx, trainingDeployment(t, "dep-2", 10), backend, RunOptions{IdempotencyKey: "req-2"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCached, second.Status)
	assert.Equal(t, 3, counter.total(), "no step executed in the second run")

	steps, err := store.ListStepRuns(ctx, second.ID)
	require.NoError(t, err)

	for _, step := range steps {
		assert.Equal(t, models.StatusCached, step.Status, step.StepName)
		assert.Equal(t, first.ID, step.SourceRunID, step.StepName)
		assert.Nil(t, step.StartedAt)
		assert.NotEmpty(t, step.OutputRefs)
	}
}

func TestCoordinator_Run_ParameterChangeInvalidatesDescendants(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	counter := newExecutionCounter()
	backend := newLocalBackend(t, trainingRegistry(counter), nil)
	ctx := context.Background()

	first, err := coordinator.Run(ctx, trainingDeployment(t, "dep-1", 10), backend, RunOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, first.Status)

	// Changing the epochs literal re-keys train, and transitively
	// evaluate, while load still matches history.
	third, err := coordinator.Run(ctx, trainingDeployment(t, "dep-3", 20), backend, RunOptions{IdempotencyKey: "req-3"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, third.Status)
	assert.Equal(t, 1, counter.count("steps.load"), "load stayed cached")
	assert.Equal(t, 2, counter.count("steps.train"))
	assert.Equal(t, 2, counter.count("steps.evaluate"))

	statuses := stepStatuses(t, store, third.ID)
	assert.Equal(t, models.StatusCached, statuses["load"])
	assert.Equal(t, models.StatusCompleted, statuses["train"])
	assert.Equal(t, models.StatusCompleted, statuses["evaluate"])

	load, err := store.StepRun(ctx, third.ID, "load")
	require.NoError(t, err)
	assert.Equal(t, first.ID, load.SourceRunID)
}

func TestCoordinator_Run_FailureIsolatesOnlyDependents(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	ctx := context.Background()

	steps := []*models.Step{
		{Name: "extract_a", Source: "steps.extract_a", Outputs: []models.OutputSpec{{Name: "rows"}}},
		{Name: "transform_a", Source: "steps.transform_a", Upstream: []string{"extract_a"},
			Inputs: map[string]models.Input{"rows": {Step: "extract_a", Output: "rows"}}},
		{Name: "extract_b", Source: "steps.extract_b", Outputs: []models.OutputSpec{{Name: "rows"}}},
		{Name: "transform_b", Source: "steps.transform_b", Upstream: []string{"extract_b"},
			Inputs: map[string]models.Input{"rows": {Step: "extract_b", Output: "rows"}}},
	}
	deployment, err := models.NewDeployment("dep-branches", "ingest", steps, models.RunConfig{Stack: "local"})
	require.NoError(t, err)

	reg := registry.NewRegistry(testLogger())
	reg.RegisterStep("steps.extract_a", func(_ context.Context, _ protocol.StepInputs) (map[string]models.ArtifactRef, error) {
		return map[string]models.ArtifactRef{"rows": "art://ingest/a/rows"}, nil
	})
	reg.RegisterStep("steps.transform_a", func(_ context.Context, _ protocol.StepInputs) (map[string]models.ArtifactRef, error) {
		return map[string]models.ArtifactRef{}, nil
	})
	reg.RegisterStep("steps.extract_b", func(_ context.Context, _ protocol.StepInputs) (map[string]models.ArtifactRef, error) {
		return nil, errors.New("source table vanished")
	})
	reg.RegisterStep("steps.transform_b", func(_ context.Context, _ protocol.StepInputs) (map[string]models.ArtifactRef, error) {
		return map[string]models.ArtifactRef{}, nil
	})

	run, err := coordinator.Run(ctx, deployment, newLocalBackend(t, reg, nil), RunOptions{})
	require.NoError(t, err, "a step failure never aborts the loop")

	assert.Equal(t, models.StatusFailed, run.Status)

	statuses := stepStatuses(t, store, run.ID)
	assert.Equal(t, models.StatusCompleted, statuses["extract_a"], "independent branch still ran")
	assert.Equal(t, models.StatusCompleted, statuses["transform_a"])
	assert.Equal(t, models.StatusFailed, statuses["extract_b"])
	assert.Equal(t, models.StatusPending, statuses["transform_b"], "dependent of the failure is never dispatched")

	failed, err := store.StepRun(ctx, run.ID, "extract_b")
	require.NoError(t, err)
	assert.Contains(t, failed.ErrorMessage, "source table vanished")
}

func TestCoordinator_Run_SerializedTieBreakByName(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	counter := newExecutionCounter()
	ctx := context.Background()

	// Diamond: fan out of fetch into two siblings, then join.
	steps := []*models.Step{
		{Name: "fetch", Source: "steps.fetch", Outputs: []models.OutputSpec{{Name: "data"}}},
		{Name: "clean", Source: "steps.clean", Upstream: []string{"fetch"},
			Inputs:  map[string]models.Input{"data": {Step: "fetch", Output: "data"}},
			Outputs: []models.OutputSpec{{Name: "data"}}},
		{Name: "augment", Source: "steps.augment", Upstream: []string{"fetch"},
			Inputs:  map[string]models.Input{"data": {Step: "fetch", Output: "data"}},
			Outputs: []models.OutputSpec{{Name: "data"}}},
		{Name: "join", Source: "steps.join", Upstream: []string{"clean", "augment"}},
	}
	deployment, err := models.NewDeployment("dep-diamond", "featurize", steps, models.RunConfig{Stack: "local"})
	require.NoError(t, err)

	reg := registry.NewRegistry(testLogger())

	for _, source := range []string{"steps.fetch", "steps.clean", "steps.augment", "steps.join"} {
		src := source

		reg.RegisterStep(src, func(_ context.Context, _ protocol.StepInputs) (map[string]models.ArtifactRef, error) {
			counter.record(src)

			return map[string]models.ArtifactRef{"data": models.ArtifactRef("art://featurize/" + src)}, nil
		})
	}

	backend := newLocalBackend(t, reg, map[string]any{"max_parallelism": float64(1)})

	run, err := coordinator.Run(ctx, deployment, backend, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, run.Status)

	assert.Equal(t, []string{"steps.fetch", "steps.augment", "steps.clean", "steps.join"}, counter.sequence(),
		"serialized dispatch follows topological order with name-ascending tie break")
}

func TestCoordinator_Run_BoundedParallelism(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		current int
		peak    int
	)

	steps := make([]*models.Step, 0, 4)
	reg := registry.NewRegistry(testLogger())

	for _, name := range []string{"shard_1", "shard_2", "shard_3", "shard_4"} {
		steps = append(steps, &models.Step{Name: name, Source: "steps." + name})

		reg.RegisterStep("steps."+name, func(_ context.Context, _ protocol.StepInputs) (map[string]models.ArtifactRef, error) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			current--
			mu.Unlock()

			return map[string]models.ArtifactRef{}, nil
		})
	}

	deployment, err := models.NewDeployment("dep-shards", "sharded", steps, models.RunConfig{Stack: "local"})
	require.NoError(t, err)

	backend := newLocalBackend(t, reg, map[string]any{"max_parallelism": float64(2)})

	run, err := coordinator.Run(ctx, deployment, backend, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, run.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "never more steps in flight than the backend allows")
}

func TestCoordinator_Run_BackendDispatchErrorRecordedAsFailure(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	ctx := context.Background()

	deployment := trainingDeployment(t, "dep-1", 10)

	mockBackend := &mocks.MockBackend{}
	mockBackend.On("ID").Return("flaky")
	mockBackend.On("MaxParallelism").Return(1)
	mockBackend.On("Execute", mock.Anything, mock.Anything).Return(protocol.ExecutionResult{}, errors.New("no capacity"))

	run, err := coordinator.Run(ctx, deployment, mockBackend, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, run.Status)

	load, err := store.StepRun(ctx, run.ID, "load")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, load.Status)
	assert.Contains(t, load.ErrorMessage, ErrExecutionBackend.Error())
	assert.Contains(t, load.ErrorMessage, "no capacity")

	statuses := stepStatuses(t, store, run.ID)
	assert.Equal(t, models.StatusPending, statuses["train"])
	assert.Equal(t, models.StatusPending, statuses["evaluate"])
}

func TestCoordinator_Run_DeferredBackendAwaitsRemoteCompletion(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	coordinator.pollInterval = 10 * time.Millisecond
	ctx := context.Background()

	deployment := trainingDeployment(t, "dep-1", 10)

	// Plays the worker's part: accepts the dispatch, then reports the
	// terminal state through the tracker from another goroutine.
	remoteTracker := tracker.NewTracker(testLogger(), store)

	mockBackend := &mocks.MockBackend{}
	mockBackend.On("ID").Return("deferred")
	mockBackend.On("MaxParallelism").Return(0)
	mockBackend.On("Execute", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			req := args.Get(1).(protocol.ExecutionRequest)

			go func() {
				time.Sleep(30 * time.Millisecond)

				outputs := map[string]models.ArtifactRef{}
				for _, out := range req.Step.Outputs {
					outputs[out.Name] = models.ArtifactRef("art://remote/" + req.Step.Name + "/" + out.Name)
				}

				if _, err := remoteTracker.MarkStepCompleted(context.Background(), req.Run.ID, req.Step.Name, outputs); err != nil {
					t.Errorf("remote completion failed: %v", err)
				}
			}()
		}).
		Return(protocol.ExecutionResult{Status: protocol.ResultPending, CorrelationID: "corr-1"}, nil)

	run, err := coordinator.Run(ctx, deployment, mockBackend, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompleted, run.Status)

	statuses := stepStatuses(t, store, run.ID)
	for _, name := range []string{"load", "train", "evaluate"} {
		assert.Equal(t, models.StatusCompleted, statuses[name], name)
	}
}

func TestCoordinator_Run_IdempotentRecovery(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	counter := newExecutionCounter()
	backend := newLocalBackend(t, trainingRegistry(counter), nil)
	ctx := context.Background()

	deployment := trainingDeployment(t, "dep-1", 10)

	first, err := coordinator.Run(ctx, deployment, backend, RunOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, first.Status)
	require.Equal(t, 3, counter.total())

	// The retried trigger finds the finished run and dispatches nothing.
	again, err := coordinator.Run(ctx, deployment, backend, RunOptions{IdempotencyKey: "req-1"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.StatusCompleted, again.Status)
	assert.Equal(t, 3, counter.total(), "no step re-executed on recovery")
}

func TestCoordinator_Run_ConcurrentCoordinatorsDispatchOnce(t *testing.T) {
	store := file.NewStore(t.TempDir())
	counter := newExecutionCounter()
	reg := trainingRegistry(counter)
	ctx := context.Background()

	deployment := trainingDeployment(t, "dep-1", 10)

	var wg sync.WaitGroup

	runs := make([]*models.PipelineRun, 2)
	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		coordinator := NewCoordinator(testLogger(), store)
		coordinator.pollInterval = 10 * time.Millisecond
		backend := newLocalBackend(t, reg, nil)

		wg.Add(1)

		go func(i int, c *Coordinator, b protocol.ExecutionBackend) {
			defer wg.Done()
			runs[i], errs[i] = c.Run(ctx, deployment, b, RunOptions{IdempotencyKey: "req-1"})
		}(i, coordinator, backend)
	}

	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, runs[0].ID, runs[1].ID, "both coordinators converge on the same run")
	assert.Equal(t, models.StatusCompleted, runs[0].Status)
	assert.Equal(t, models.StatusCompleted, runs[1].Status)

	assert.Equal(t, 1, counter.count("steps.load"))
	assert.Equal(t, 1, counter.count("steps.train"))
	assert.Equal(t, 1, counter.count("steps.evaluate"))
}

func TestCoordinator_Run_StoreFailureAborts(t *testing.T) {
	mockStore := &mocks.MockStore{}
	mockStore.On("CreateRun", mock.Anything, mock.Anything, mock.Anything).Return(persistence.ErrStoreUnavailable)

	coordinator := NewCoordinator(testLogger(), mockStore)
	backend := newLocalBackend(t, registry.NewRegistry(testLogger()), nil)

	_, err := coordinator.Run(context.Background(), trainingDeployment(t, "dep-1", 10), backend, RunOptions{})
	require.Error(t, err)
	assert.True(t, persistence.IsStoreUnavailable(err))
}

func TestCoordinator_Run_PerStepBackendOverride(t *testing.T) {
	store := file.NewStore(t.TempDir())
	coordinator := NewCoordinator(testLogger(), store)
	ctx := context.Background()

	steps := trainingSteps(10)
	steps[1].Backend = "gpu"

	deployment, err := models.NewDeployment("dep-gpu", "training", steps, models.RunConfig{Stack: "local"})
	require.NoError(t, err)

	counter := newExecutionCounter()
	defaultBackend := newLocalBackend(t, trainingRegistry(counter), nil)

	gpuCounter := newExecutionCounter()
	gpuBackend := newLocalBackend(t, trainingRegistry(gpuCounter), nil)

	run, err := coordinator.Run(ctx, deployment, defaultBackend, RunOptions{
		StepBackends: map[string]protocol.ExecutionBackend{"train": gpuBackend},
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, run.Status)

	assert.Equal(t, 1, gpuCounter.count("steps.train"), "train went to the override backend")
	assert.Equal(t, 0, counter.count("steps.train"))
	assert.Equal(t, 1, counter.count("steps.load"))
	assert.Equal(t, 1, counter.count("steps.evaluate"))
}
