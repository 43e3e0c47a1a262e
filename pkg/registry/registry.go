// Package registry holds the closed set of execution backend factories and
// step implementations a deployment can reference. Everything is registered
// explicitly at startup; there is no runtime plugin loading.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/trellis-ml/trellis/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

var (
	ErrBackendNotRegistered = errors.New("backend type not registered")
	ErrStepNotRegistered    = errors.New("step source not registered")
)

type Registry struct {
	logger           *slog.Logger
	backendFactories map[string]protocol.BackendFactory
	steps            map[string]protocol.StepFunc
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:           log,
		backendFactories: make(map[string]protocol.BackendFactory),
		steps:            make(map[string]protocol.StepFunc),
	}
}

// RegisterBackend adds a backend factory under its type ID. Later
// registrations with the same ID replace earlier ones.
func (r *Registry) RegisterBackend(factory protocol.BackendFactory) {
	r.backendFactories[factory.ID()] = factory
}

// RegisterStep binds a step source fingerprint to its implementation.
func (r *Registry) RegisterStep(source string, fn protocol.StepFunc) {
	r.steps[source] = fn
}

// CreateBackend instantiates a backend of the given type after validating
// the configuration against the factory's schema.
func (r *Registry) CreateBackend(ctx context.Context, backendType string, config map[string]any, deps protocol.Dependencies) (protocol.ExecutionBackend, error) {
	factory, ok := r.backendFactories[backendType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotRegistered, backendType)
	}

	if err := validateConfigSchema(config, factory.Schema()); err != nil {
		return nil, fmt.Errorf("invalid configuration for backend %s: %w", backendType, err)
	}

	return factory.Create(ctx, config, deps)
}

// ValidateBackendConfig checks a configuration against the named
// factory's schema without instantiating the backend.
func (r *Registry) ValidateBackendConfig(backendType string, config map[string]any) error {
	factory, ok := r.backendFactories[backendType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackendNotRegistered, backendType)
	}

	if err := validateConfigSchema(config, factory.Schema()); err != nil {
		return fmt.Errorf("invalid configuration for backend %s: %w", backendType, err)
	}

	return nil
}

// Step resolves a step source fingerprint to its registered implementation.
func (r *Registry) Step(source string) (protocol.StepFunc, error) {
	fn, ok := r.steps[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStepNotRegistered, source)
	}

	return fn, nil
}

// HealthCheck reports whether the registry is usable. A registry with no
// backend factories cannot dispatch anything.
func (r *Registry) HealthCheck() (string, bool) {
	if len(r.backendFactories) == 0 {
		return "No execution backends registered", false
	}

	return fmt.Sprintf("%d execution backends, %d steps registered", len(r.backendFactories), len(r.steps)), true
}

// AvailableBackends returns the registered backend type IDs, sorted.
func (r *Registry) AvailableBackends() []string {
	types := make([]string, 0, len(r.backendFactories))
	for backendType := range r.backendFactories {
		types = append(types, backendType)
	}

	sort.Strings(types)

	return types
}

// validateConfigSchema validates a backend configuration against its JSON
// schema. A nil or empty schema accepts anything.
func validateConfigSchema(config, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, validationError := range result.Errors() {
			messages = append(messages, validationError.String())
		}

		return fmt.Errorf("JSON schema validation failed: %s", strings.Join(messages, "; "))
	}

	return nil
}
