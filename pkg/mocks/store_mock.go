// Package mocks provides mock implementations of trellis interfaces for
// testing.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

// MockStore is a mock implementation of the persistence.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) SaveDeployment(ctx context.Context, deployment *models.Deployment) error {
	args := m.Called(ctx, deployment)

	return args.Error(0)
}

func (m *MockStore) DeploymentByID(ctx context.Context, id string) (*models.Deployment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Deployment), args.Error(1)
}

func (m *MockStore) ListDeployments(ctx context.Context) ([]*models.Deployment, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Deployment), args.Error(1)
}

func (m *MockStore) CreateRun(ctx context.Context, run *models.PipelineRun, steps []*models.StepRun) error {
	args := m.Called(ctx, run, steps)

	return args.Error(0)
}

func (m *MockStore) RunByID(ctx context.Context, id string) (*models.PipelineRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.PipelineRun), args.Error(1)
}

func (m *MockStore) RunByIdempotencyKey(ctx context.Context, deploymentID, key string) (*models.PipelineRun, error) {
	args := m.Called(ctx, deploymentID, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.PipelineRun), args.Error(1)
}

func (m *MockStore) ListRuns(ctx context.Context, opts persistence.ListRunsOptions) (*persistence.RunListResult, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.RunListResult), args.Error(1)
}

func (m *MockStore) UpdateRun(ctx context.Context, id string, expectedVersion int64, patch persistence.RunPatch) (*models.PipelineRun, error) {
	args := m.Called(ctx, id, expectedVersion, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.PipelineRun), args.Error(1)
}

func (m *MockStore) StepRun(ctx context.Context, runID, stepName string) (*models.StepRun, error) {
	args := m.Called(ctx, runID, stepName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StepRun), args.Error(1)
}

func (m *MockStore) ListStepRuns(ctx context.Context, runID string) ([]*models.StepRun, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StepRun), args.Error(1)
}

func (m *MockStore) UpdateStepRun(ctx context.Context, runID, stepName string, expectedVersion int64, patch persistence.StepRunPatch) (*models.StepRun, error) {
	args := m.Called(ctx, runID, stepName, expectedVersion, patch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StepRun), args.Error(1)
}

func (m *MockStore) FindCachedStep(ctx context.Context, pipelineName, cacheKey string) (*models.StepRun, error) {
	args := m.Called(ctx, pipelineName, cacheKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StepRun), args.Error(1)
}

func (m *MockStore) SaveStack(ctx context.Context, stack *models.StackProfile) error {
	args := m.Called(ctx, stack)

	return args.Error(0)
}

func (m *MockStore) StackByID(ctx context.Context, id string) (*models.StackProfile, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StackProfile), args.Error(1)
}

func (m *MockStore) ListStacks(ctx context.Context) ([]*models.StackProfile, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StackProfile), args.Error(1)
}

func (m *MockStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
