package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/trellis-ml/trellis/pkg/protocol"
)

// MockBackend is a mock implementation of the protocol.ExecutionBackend
// interface.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) ID() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockBackend) MaxParallelism() int {
	args := m.Called()

	return args.Int(0)
}

func (m *MockBackend) Execute(ctx context.Context, req protocol.ExecutionRequest) (protocol.ExecutionResult, error) {
	args := m.Called(ctx, req)

	result, ok := args.Get(0).(protocol.ExecutionResult)
	if !ok {
		return protocol.ExecutionResult{}, args.Error(1)
	}

	return result, args.Error(1)
}
