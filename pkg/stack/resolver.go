// Package stack resolves stack profiles into live execution backends.
// Profiles are stored records naming a backend factory and its
// configuration; resolution instantiates the backend through the
// registry, which validates the configuration against the factory
// schema.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
	"github.com/trellis-ml/trellis/pkg/protocol"
	"github.com/trellis-ml/trellis/pkg/registry"
)

type Resolver struct {
	logger   *slog.Logger
	store    persistence.Store
	registry *registry.Registry
	deps     protocol.Dependencies
}

func NewResolver(logger *slog.Logger, store persistence.Store, reg *registry.Registry, deps protocol.Dependencies) *Resolver {
	return &Resolver{
		logger:   logger.With("module", "stack_resolver"),
		store:    store,
		registry: reg,
		deps:     deps,
	}
}

// Resolve loads the named profile and instantiates its backend.
func (r *Resolver) Resolve(ctx context.Context, profileID string) (protocol.ExecutionBackend, error) {
	profile, err := r.store.StackByID(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stack profile %s: %w", profileID, err)
	}

	backend, err := r.registry.CreateBackend(ctx, profile.Backend, profile.Config, r.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend for stack profile %s: %w", profileID, err)
	}

	return backend, nil
}

// ResolveForDeployment resolves the deployment's run-level backend and
// one backend per distinct step-level override. Steps sharing an
// override share the backend instance.
func (r *Resolver) ResolveForDeployment(ctx context.Context, deployment *models.Deployment) (protocol.ExecutionBackend, map[string]protocol.ExecutionBackend, error) {
	runBackend, err := r.Resolve(ctx, deployment.RunConfig.Stack)
	if err != nil {
		return nil, nil, err
	}

	var stepBackends map[string]protocol.ExecutionBackend

	resolved := map[string]protocol.ExecutionBackend{
		deployment.RunConfig.Stack: runBackend,
	}

	for name, step := range deployment.Steps {
		if step.Backend == "" || step.Backend == deployment.RunConfig.Stack {
			continue
		}

		backend, ok := resolved[step.Backend]
		if !ok {
			backend, err = r.Resolve(ctx, step.Backend)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to resolve backend override for step %s: %w", name, err)
			}

			resolved[step.Backend] = backend
		}

		if stepBackends == nil {
			stepBackends = make(map[string]protocol.ExecutionBackend)
		}

		stepBackends[name] = backend
	}

	return runBackend, stepBackends, nil
}

// EnsureDefault seeds the local stack profile when no profile with that
// ID exists yet. Existing profiles are left untouched.
func (r *Resolver) EnsureDefault(ctx context.Context) error {
	_, err := r.store.StackByID(ctx, models.DefaultStackID)
	if err == nil {
		return nil
	}

	if !persistence.IsStackNotFound(err) {
		return fmt.Errorf("failed to check default stack profile: %w", err)
	}

	now := time.Now().UTC()
	profile := &models.StackProfile{
		ID:        models.DefaultStackID,
		Backend:   "local",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := r.store.SaveStack(ctx, profile); err != nil {
		return fmt.Errorf("failed to seed default stack profile: %w", err)
	}

	r.logger.InfoContext(ctx, "Seeded default stack profile", "stack_id", profile.ID, "backend", profile.Backend)

	return nil
}
