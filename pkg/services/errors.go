// Package services provides standardized error types for service layer operations.
package services

import (
	"errors"
	"fmt"

	"github.com/trellis-ml/trellis/pkg/compiler"
	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortField = errors.New("invalid sort field")
	ErrInvalidSortOrder = errors.New("invalid sort order")
	ErrInvalidStatus    = errors.New("invalid run status")

	// Document Validation Errors (400 Bad Request).
	ErrEmptyDocument        = errors.New("pipeline document cannot be empty")
	ErrDeploymentIDRequired = errors.New("deployment ID is required")
	ErrRunIDRequired        = errors.New("run ID is required")

	// Stack Validation Errors (400 Bad Request).
	ErrStackIDRequired      = errors.New("stack profile ID is required")
	ErrStackBackendRequired = errors.New("stack profile backend is required")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidSortOrder) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrEmptyDocument) ||
		errors.Is(err, ErrDeploymentIDRequired) ||
		errors.Is(err, ErrRunIDRequired) ||
		errors.Is(err, ErrStackIDRequired) ||
		errors.Is(err, ErrStackBackendRequired) ||
		errors.Is(err, compiler.ErrInvalidDocument) ||
		errors.Is(err, models.ErrInvalidDeployment) ||
		errors.Is(err, models.ErrInvalidStep) ||
		errors.Is(err, models.ErrCyclicDependency) ||
		errors.Is(err, models.ErrInvalidSchedule)
}

// IsNotFoundError checks if an error indicates a missing record that should return HTTP 404.
func IsNotFoundError(err error) bool {
	return persistence.IsDeploymentNotFound(err) ||
		persistence.IsRunNotFound(err) ||
		persistence.IsStepRunNotFound(err) ||
		persistence.IsStackNotFound(err)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return persistence.IsDuplicateRun(err) ||
		persistence.IsPrecondition(err)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
