// Package file provides a file-system implementation of the persistence
// contract. Records are stored as JSON documents; it is meant for local
// development and tests, with a process-local mutex standing in for the
// per-record version checks a shared database enforces.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

// Store implements persistence.Store on top of a root directory:
// deployments/, runs/, steps/<run-id>/ and stacks/ each hold one JSON
// document per record.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a file store rooted at the given directory. A
// "file://" prefix is stripped so database-URL style configuration works.
func NewStore(root string) *Store {
	return &Store{root: strings.Replace(root, "file://", "", 1)}
}

// Close performs any necessary cleanup. Nothing to release for files.
func (s *Store) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (s *Store) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", persistence.ErrStoreUnavailable, err)
	}

	return nil
}

func (s *Store) deploymentPath(id string) string {
	return filepath.Clean(path.Join(s.root, "deployments", id+".json"))
}

func (s *Store) runPath(id string) string {
	return filepath.Clean(path.Join(s.root, "runs", id+".json"))
}

func (s *Store) stepPath(runID, stepName string) string {
	return filepath.Clean(path.Join(s.root, "steps", runID, stepName+".json"))
}

func (s *Store) stackPath(id string) string {
	return filepath.Clean(path.Join(s.root, "stacks", id+".json"))
}

func (s *Store) writeJSON(filePath string, record any) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0750); err != nil {
		return fmt.Errorf("%w: %s", persistence.ErrStoreUnavailable, err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("%w: %s", persistence.ErrStoreUnavailable, err)
	}

	return nil
}

// readJSON loads one record. A missing file surfaces as os.ErrNotExist for
// the caller to translate into its entity's not-found sentinel.
func (s *Store) readJSON(filePath string, record any) error {
	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}

		return fmt.Errorf("%w: %s", persistence.ErrStoreUnavailable, err)
	}

	if err := json.Unmarshal(body, record); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(filePath), err)
	}

	return nil
}

// SaveDeployment writes a deployment snapshot, replacing any previous
// document with the same ID.
func (s *Store) SaveDeployment(_ context.Context, deployment *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = time.Now().UTC()
	}

	if err := s.writeJSON(s.deploymentPath(deployment.ID), deployment); err != nil {
		return persistence.NewDeploymentError("SaveDeployment", deployment.ID, err)
	}

	return nil
}

func (s *Store) DeploymentByID(_ context.Context, id string) (*models.Deployment, error) {
	var deployment models.Deployment

	err := s.readJSON(s.deploymentPath(id), &deployment)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewDeploymentError("DeploymentByID", id, persistence.ErrDeploymentNotFound)
		}

		return nil, persistence.NewDeploymentError("DeploymentByID", id, err)
	}

	return &deployment, nil
}

func (s *Store) ListDeployments(ctx context.Context) ([]*models.Deployment, error) {
	ids, err := s.listIDs("deployments")
	if err != nil {
		return nil, err
	}

	deployments := make([]*models.Deployment, 0, len(ids))

	for _, id := range ids {
		deployment, err := s.DeploymentByID(ctx, id)
		if err != nil {
			return nil, err
		}

		deployments = append(deployments, deployment)
	}

	sort.Slice(deployments, func(i, j int) bool {
		return deployments[i].CreatedAt.After(deployments[j].CreatedAt)
	})

	return deployments, nil
}

// CreateRun persists the run and its initial step runs. The combination of
// deployment ID and idempotency key is unique across all stored runs.
func (s *Store) CreateRun(_ context.Context, run *models.PipelineRun, steps []*models.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.runPath(run.ID)); err == nil {
		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrDuplicateRun)
	}

	existing, err := s.findRunLocked(run.DeploymentID, run.IdempotencyKey)
	if err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	if existing != nil {
		return persistence.NewRunError("CreateRun", run.ID, persistence.ErrDuplicateRun)
	}

	now := time.Now().UTC()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	if run.Version == 0 {
		run.Version = 1
	}

	if err := s.writeJSON(s.runPath(run.ID), run); err != nil {
		return persistence.NewRunError("CreateRun", run.ID, err)
	}

	for _, step := range steps {
		step.UpdatedAt = now

		if step.Version == 0 {
			step.Version = 1
		}

		if err := s.writeJSON(s.stepPath(run.ID, step.StepName), step); err != nil {
			return persistence.NewStepRunError("CreateRun", run.ID, step.StepName, err)
		}
	}

	return nil
}

func (s *Store) RunByID(_ context.Context, id string) (*models.PipelineRun, error) {
	var run models.PipelineRun

	err := s.readJSON(s.runPath(id), &run)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewRunError("RunByID", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewRunError("RunByID", id, err)
	}

	return &run, nil
}

func (s *Store) RunByIdempotencyKey(_ context.Context, deploymentID, key string) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.findRunLocked(deploymentID, key)
	if err != nil {
		return nil, persistence.NewDeploymentError("RunByIdempotencyKey", deploymentID, err)
	}

	if run == nil {
		return nil, persistence.NewDeploymentError("RunByIdempotencyKey", deploymentID, persistence.ErrRunNotFound)
	}

	return run, nil
}

// findRunLocked scans all run documents for a matching correlation
// identity. Callers hold the mutex.
func (s *Store) findRunLocked(deploymentID, key string) (*models.PipelineRun, error) {
	ids, err := s.listIDs("runs")
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		var run models.PipelineRun

		if err := s.readJSON(s.runPath(id), &run); err != nil {
			if os.IsNotExist(err) {
				continue
			}

			return nil, err
		}

		if run.DeploymentID == deploymentID && run.IdempotencyKey == key {
			return &run, nil
		}
	}

	return nil, nil
}

// ListRuns returns paginated and filtered runs with in-memory operations.
func (s *Store) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) (*persistence.RunListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	if opts.SortBy == "" {
		opts.SortBy = "created_at"
	}

	if opts.SortOrder == "" {
		opts.SortOrder = "desc"
	}

	allowedSorts := map[string]bool{
		"created_at":    true,
		"updated_at":    true,
		"pipeline_name": true,
	}
	if !allowedSorts[opts.SortBy] {
		return nil, fmt.Errorf("%w: %s", persistence.ErrInvalidSortField, opts.SortBy)
	}

	ids, err := s.listIDs("runs")
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.PipelineRun, 0, len(ids))

	for _, id := range ids {
		run, err := s.RunByID(ctx, id)
		if err != nil {
			if persistence.IsRunNotFound(err) {
				continue
			}

			return nil, err
		}

		if opts.DeploymentID != "" && run.DeploymentID != opts.DeploymentID {
			continue
		}

		if opts.PipelineName != "" && run.PipelineName != opts.PipelineName {
			continue
		}

		if opts.Status != nil && run.Status != *opts.Status {
			continue
		}

		filtered = append(filtered, run)
	}

	s.sortRuns(filtered, opts.SortBy, opts.SortOrder)

	totalCount := int64(len(filtered))
	startIdx := opts.Offset
	endIdx := opts.Offset + opts.Limit

	if startIdx >= len(filtered) {
		return &persistence.RunListResult{
			Runs:        make([]*models.PipelineRun, 0),
			TotalCount:  totalCount,
			HasNextPage: false,
		}, nil
	}

	if endIdx > len(filtered) {
		endIdx = len(filtered)
	}

	return &persistence.RunListResult{
		Runs:        filtered[startIdx:endIdx],
		TotalCount:  totalCount,
		HasNextPage: endIdx < len(filtered),
	}, nil
}

func (s *Store) sortRuns(runs []*models.PipelineRun, sortBy, sortOrder string) {
	sort.Slice(runs, func(i, j int) bool {
		var less bool

		switch sortBy {
		case "updated_at":
			less = runs[i].UpdatedAt.Before(runs[j].UpdatedAt)
		case "pipeline_name":
			less = runs[i].PipelineName < runs[j].PipelineName
		default:
			less = runs[i].CreatedAt.Before(runs[j].CreatedAt)
		}

		if sortOrder == "desc" {
			return !less
		}

		return less
	})
}

// UpdateRun applies a patch if and only if the stored version still
// matches the one the caller read.
func (s *Store) UpdateRun(ctx context.Context, id string, expectedVersion int64, patch persistence.RunPatch) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.RunByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if run.Version != expectedVersion {
		return nil, persistence.NewRunError("UpdateRun", id, persistence.ErrPrecondition)
	}

	applyRunPatch(run, patch)

	run.Version++
	run.UpdatedAt = time.Now().UTC()

	if err := s.writeJSON(s.runPath(id), run); err != nil {
		return nil, persistence.NewRunError("UpdateRun", id, err)
	}

	return run, nil
}

func (s *Store) StepRun(_ context.Context, runID, stepName string) (*models.StepRun, error) {
	var step models.StepRun

	err := s.readJSON(s.stepPath(runID, stepName), &step)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStepRunError("StepRun", runID, stepName, persistence.ErrStepRunNotFound)
		}

		return nil, persistence.NewStepRunError("StepRun", runID, stepName, err)
	}

	return &step, nil
}

func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]*models.StepRun, error) {
	if _, err := s.RunByID(ctx, runID); err != nil {
		return nil, err
	}

	names, err := s.listIDs(path.Join("steps", runID))
	if err != nil {
		return nil, persistence.NewRunError("ListStepRuns", runID, err)
	}

	sort.Strings(names)

	steps := make([]*models.StepRun, 0, len(names))

	for _, name := range names {
		step, err := s.StepRun(ctx, runID, name)
		if err != nil {
			return nil, err
		}

		steps = append(steps, step)
	}

	return steps, nil
}

func (s *Store) UpdateStepRun(ctx context.Context, runID, stepName string, expectedVersion int64, patch persistence.StepRunPatch) (*models.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, err := s.StepRun(ctx, runID, stepName)
	if err != nil {
		return nil, err
	}

	if step.Version != expectedVersion {
		return nil, persistence.NewStepRunError("UpdateStepRun", runID, stepName, persistence.ErrPrecondition)
	}

	applyStepRunPatch(step, patch)

	step.Version++
	step.UpdatedAt = time.Now().UTC()

	if err := s.writeJSON(s.stepPath(runID, stepName), step); err != nil {
		return nil, persistence.NewStepRunError("UpdateStepRun", runID, stepName, err)
	}

	return step, nil
}

// FindCachedStep scans every stored step run of the pipeline for the
// newest terminal-successful record with a matching cache key.
func (s *Store) FindCachedStep(ctx context.Context, pipelineName, cacheKey string) (*models.StepRun, error) {
	runDirs, err := s.listIDs("steps")
	if err != nil {
		return nil, fmt.Errorf("failed to scan step runs: %w", err)
	}

	var newest *models.StepRun

	for _, runID := range runDirs {
		names, err := s.listIDs(path.Join("steps", runID))
		if err != nil {
			return nil, fmt.Errorf("failed to scan step runs of %s: %w", runID, err)
		}

		for _, name := range names {
			step, err := s.StepRun(ctx, runID, name)
			if err != nil {
				if persistence.IsStepRunNotFound(err) {
					continue
				}

				return nil, err
			}

			if step.PipelineName != pipelineName || step.CacheKey != cacheKey || !step.Status.IsSuccessful() {
				continue
			}

			if newest == nil || stepFinishedAt(step).After(stepFinishedAt(newest)) {
				newest = step
			}
		}
	}

	if newest == nil {
		return nil, fmt.Errorf("no cached step for pipeline %s: %w", pipelineName, persistence.ErrStepRunNotFound)
	}

	return newest, nil
}

func (s *Store) SaveStack(_ context.Context, stack *models.StackProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	if stack.CreatedAt.IsZero() {
		stack.CreatedAt = now
	}

	stack.UpdatedAt = now

	if err := s.writeJSON(s.stackPath(stack.ID), stack); err != nil {
		return persistence.NewStackError("SaveStack", stack.ID, err)
	}

	return nil
}

func (s *Store) StackByID(_ context.Context, id string) (*models.StackProfile, error) {
	var stack models.StackProfile

	err := s.readJSON(s.stackPath(id), &stack)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewStackError("StackByID", id, persistence.ErrStackNotFound)
		}

		return nil, persistence.NewStackError("StackByID", id, err)
	}

	return &stack, nil
}

func (s *Store) ListStacks(ctx context.Context) ([]*models.StackProfile, error) {
	ids, err := s.listIDs("stacks")
	if err != nil {
		return nil, err
	}

	sort.Strings(ids)

	stacks := make([]*models.StackProfile, 0, len(ids))

	for _, id := range ids {
		stack, err := s.StackByID(ctx, id)
		if err != nil {
			return nil, err
		}

		stacks = append(stacks, stack)
	}

	return stacks, nil
}

// listIDs returns the document names (without extension) under one
// directory, or directory names for nested collections like steps/.
func (s *Store) listIDs(dir string) ([]string, error) {
	root := os.DirFS(filepath.Clean(path.Join(s.root, dir)))

	entries, err := fs.ReadDir(root, ".")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %s", persistence.ErrStoreUnavailable, err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()

		if entry.IsDir() {
			ids = append(ids, name)

			continue
		}

		if strings.HasSuffix(name, ".json") {
			ids = append(ids, strings.TrimSuffix(name, ".json"))
		}
	}

	return ids, nil
}

func applyRunPatch(run *models.PipelineRun, patch persistence.RunPatch) {
	if patch.Status != nil {
		run.Status = *patch.Status
	}

	if patch.OrchestratorRunID != nil {
		run.OrchestratorRunID = *patch.OrchestratorRunID
	}

	if patch.StartedAt != nil {
		run.StartedAt = patch.StartedAt
	}

	if patch.FinishedAt != nil {
		run.FinishedAt = patch.FinishedAt
	}
}

func applyStepRunPatch(step *models.StepRun, patch persistence.StepRunPatch) {
	if patch.Status != nil {
		step.Status = *patch.Status
	}

	if patch.CacheKey != nil {
		step.CacheKey = *patch.CacheKey
	}

	if patch.OutputRefs != nil {
		step.OutputRefs = patch.OutputRefs
	}

	if patch.ErrorMessage != nil {
		step.ErrorMessage = *patch.ErrorMessage
	}

	if patch.SourceRunID != nil {
		step.SourceRunID = *patch.SourceRunID
	}

	if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}

	if patch.FinishedAt != nil {
		step.FinishedAt = patch.FinishedAt
	}
}

func stepFinishedAt(step *models.StepRun) time.Time {
	if step.FinishedAt != nil {
		return *step.FinishedAt
	}

	return step.UpdatedAt
}
