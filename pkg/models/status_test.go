package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCached.IsTerminal())
}

func TestExecutionStatus_IsSuccessful(t *testing.T) {
	assert.True(t, StatusCompleted.IsSuccessful())
	assert.True(t, StatusCached.IsSuccessful())
	assert.False(t, StatusFailed.IsSuccessful())
	assert.False(t, StatusRunning.IsSuccessful())
}

func TestExecutionStatus_CanTransitionTo_ForwardOnly(t *testing.T) {
	tests := []struct {
		name    string
		from    ExecutionStatus
		to      ExecutionStatus
		allowed bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"pending to cached", StatusPending, StatusCached, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to completed skips running", StatusPending, StatusCompleted, false},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to cached", StatusRunning, StatusCached, true},
		{"running back to pending", StatusRunning, StatusPending, false},
		{"completed is final", StatusCompleted, StatusRunning, false},
		{"failed is final", StatusFailed, StatusCompleted, false},
		{"cached is final", StatusCached, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestAggregateRunStatus_FailureWinsImmediately(t *testing.T) {
	steps := []*StepRun{
		{StepName: "load", Status: StatusCompleted},
		{StepName: "train", Status: StatusFailed},
		{StepName: "eval", Status: StatusPending},
	}

	assert.Equal(t, StatusFailed, AggregateRunStatus(steps))
}

func TestAggregateRunStatus_AllCached(t *testing.T) {
	steps := []*StepRun{
		{StepName: "load", Status: StatusCached},
		{StepName: "train", Status: StatusCached},
	}

	assert.Equal(t, StatusCached, AggregateRunStatus(steps))
}

func TestAggregateRunStatus_MixedSuccessIsCompleted(t *testing.T) {
	steps := []*StepRun{
		{StepName: "load", Status: StatusCached},
		{StepName: "train", Status: StatusCompleted},
	}

	assert.Equal(t, StatusCompleted, AggregateRunStatus(steps))
}

func TestAggregateRunStatus_PartialProgressIsRunning(t *testing.T) {
	steps := []*StepRun{
		{StepName: "load", Status: StatusCompleted},
		{StepName: "train", Status: StatusRunning},
		{StepName: "eval", Status: StatusPending},
	}

	assert.Equal(t, StatusRunning, AggregateRunStatus(steps))
}

func TestAggregateRunStatus_AllPending(t *testing.T) {
	steps := []*StepRun{
		{StepName: "load", Status: StatusPending},
		{StepName: "train", Status: StatusPending},
	}

	assert.Equal(t, StatusPending, AggregateRunStatus(steps))
}

func TestAggregateRunStatus_NoSteps(t *testing.T) {
	assert.Equal(t, StatusPending, AggregateRunStatus(nil))
}
