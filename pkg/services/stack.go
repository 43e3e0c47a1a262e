package services

import (
	"context"
	"fmt"
	"time"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
	"github.com/trellis-ml/trellis/pkg/registry"
)

var (
	// ErrStackNotFound is returned when a stack profile is not found.
	ErrStackNotFound = persistence.ErrStackNotFound
)

// Stack manages stack profiles. Profiles are validated against the
// registered backend factories before they are saved, so a stored profile
// always resolves.
type Stack struct {
	persistence persistence.Store
	registry    *registry.Registry
}

// NewStack creates a new stack service.
func NewStack(persistence persistence.Store, registry *registry.Registry) *Stack {
	return &Stack{
		persistence: persistence,
		registry:    registry,
	}
}

// SaveStackRequest creates or replaces a stack profile.
type SaveStackRequest struct {
	ID      string `validate:"required"`
	Backend string `validate:"required"`
	Config  map[string]any
}

// Save validates and persists a stack profile. Saving an existing ID
// replaces the profile but keeps its creation time.
func (s *Stack) Save(ctx context.Context, req SaveStackRequest) (*models.StackProfile, error) {
	if req.ID == "" {
		return nil, NewValidationError(
			"Save",
			"MISSING_STACK_ID",
			"stack profile ID is required",
			ErrStackIDRequired,
		)
	}

	if req.Backend == "" {
		return nil, NewValidationError(
			"Save",
			"MISSING_BACKEND",
			"stack profile backend is required",
			ErrStackBackendRequired,
		)
	}

	if err := s.registry.ValidateBackendConfig(req.Backend, req.Config); err != nil {
		return nil, NewValidationError(
			"Save",
			"INVALID_BACKEND_CONFIG",
			err.Error(),
			fmt.Errorf("%w: %w", ErrInvalidRequest, err),
		)
	}

	now := time.Now().UTC()
	profile := &models.StackProfile{
		ID:        req.ID,
		Backend:   req.Backend,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}

	existing, err := s.persistence.StackByID(ctx, req.ID)
	if err == nil {
		profile.CreatedAt = existing.CreatedAt
	} else if !persistence.IsStackNotFound(err) {
		return nil, fmt.Errorf("failed to check existing stack profile: %w", err)
	}

	if err := s.persistence.SaveStack(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to save stack profile: %w", err)
	}

	return profile, nil
}

// FetchByID retrieves a stack profile by its ID.
func (s *Stack) FetchByID(ctx context.Context, id string) (*models.StackProfile, error) {
	if id == "" {
		return nil, NewValidationError(
			"FetchByID",
			"MISSING_STACK_ID",
			"stack profile ID is required",
			ErrStackIDRequired,
		)
	}

	return s.persistence.StackByID(ctx, id)
}

// List retrieves all stack profiles.
func (s *Stack) List(ctx context.Context) ([]*models.StackProfile, error) {
	profiles, err := s.persistence.ListStacks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list stack profiles: %w", err)
	}

	return profiles, nil
}
