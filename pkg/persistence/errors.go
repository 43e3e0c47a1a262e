package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error values shared by all implementations.
var (
	// ErrDeploymentNotFound indicates no deployment exists with the given ID.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrRunNotFound indicates no pipeline run exists with the given ID.
	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrStepRunNotFound indicates a step run lookup matched nothing.
	ErrStepRunNotFound = errors.New("step run not found")

	// ErrStackNotFound indicates no stack profile exists with the given ID.
	ErrStackNotFound = errors.New("stack profile not found")

	// ErrDuplicateRun indicates a run with the same deployment ID and
	// idempotency key already exists. Callers should fetch the existing run
	// instead of starting a new one.
	ErrDuplicateRun = errors.New("run already exists")

	// ErrPrecondition indicates an update lost an optimistic-concurrency
	// race: the record's version no longer matches the one the caller
	// read. Recoverable by re-reading current state.
	ErrPrecondition = errors.New("record version precondition failed")

	// ErrStoreUnavailable indicates the store itself could not be reached.
	// Never swallowed: a run that cannot persist its state is surfaced
	// rather than misreported.
	ErrStoreUnavailable = errors.New("persistent store unavailable")

	// ErrInvalidSortField indicates a list request named a sort field
	// outside the allowlist.
	ErrInvalidSortField = errors.New("invalid sort field")
)

// RunError wraps run and step-run errors with operation context.
type RunError struct {
	Op       string // operation being performed, e.g. "UpdateRun"
	RunID    string
	StepName string // empty for run-level operations
	Err      error
}

func (e *RunError) Error() string {
	if e.StepName != "" {
		return fmt.Sprintf("%s failed for step %s of run %s: %v", e.Op, e.StepName, e.RunID, e.Err)
	}

	return fmt.Sprintf("%s failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a run-level error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, Err: err}
}

// NewStepRunError creates a step-level error with context.
func NewStepRunError(op, runID, stepName string, err error) *RunError {
	return &RunError{Op: op, RunID: runID, StepName: stepName, Err: err}
}

// DeploymentError wraps deployment errors with operation context.
type DeploymentError struct {
	Op           string
	DeploymentID string
	Err          error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("%s failed for deployment %s: %v", e.Op, e.DeploymentID, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}

func (e *DeploymentError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDeploymentError creates a deployment error with context.
func NewDeploymentError(op, deploymentID string, err error) *DeploymentError {
	return &DeploymentError{Op: op, DeploymentID: deploymentID, Err: err}
}

// StackError wraps stack profile errors with operation context.
type StackError struct {
	Op      string
	StackID string
	Err     error
}

func (e *StackError) Error() string {
	return fmt.Sprintf("%s failed for stack %s: %v", e.Op, e.StackID, e.Err)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

func (e *StackError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStackError creates a stack error with context.
func NewStackError(op, stackID string, err error) *StackError {
	return &StackError{Op: op, StackID: stackID, Err: err}
}

// IsDeploymentNotFound checks if an error indicates a missing deployment.
func IsDeploymentNotFound(err error) bool {
	return errors.Is(err, ErrDeploymentNotFound)
}

// IsRunNotFound checks if an error indicates a missing run.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsStepRunNotFound checks if an error indicates a missing step run.
func IsStepRunNotFound(err error) bool {
	return errors.Is(err, ErrStepRunNotFound)
}

// IsStackNotFound checks if an error indicates a missing stack profile.
func IsStackNotFound(err error) bool {
	return errors.Is(err, ErrStackNotFound)
}

// IsDuplicateRun checks if an error indicates the run already exists.
func IsDuplicateRun(err error) bool {
	return errors.Is(err, ErrDuplicateRun)
}

// IsPrecondition checks if an error indicates a lost optimistic-
// concurrency race.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrPrecondition)
}

// IsStoreUnavailable checks if an error indicates the store could not be
// reached.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsInvalidSortField checks if an error indicates a disallowed sort field.
func IsInvalidSortField(err error) bool {
	return errors.Is(err, ErrInvalidSortField)
}
