package local

import (
	"context"
	"errors"

	"github.com/trellis-ml/trellis/pkg/protocol"
)

const defaultMaxParallelism = 4

// Factory creates local backend instances.
type Factory struct{}

// NewFactory creates a new factory instance.
func NewFactory() protocol.BackendFactory {
	return &Factory{}
}

// Create creates a new local backend with the given configuration.
func (f *Factory) Create(_ context.Context, config map[string]any, deps protocol.Dependencies) (protocol.ExecutionBackend, error) {
	if deps.Steps == nil {
		return nil, errors.New("local backend requires a step resolver")
	}

	maxParallelism := defaultMaxParallelism

	switch v := config["max_parallelism"].(type) {
	case float64:
		maxParallelism = int(v)
	case int:
		maxParallelism = v
	}

	return &Backend{
		id:             f.ID(),
		logger:         deps.Logger.With("module", "local_backend"),
		steps:          deps.Steps,
		maxParallelism: maxParallelism,
	}, nil
}

// ID returns the factory ID.
func (f *Factory) ID() string {
	return "local"
}

// Name returns the factory name.
func (f *Factory) Name() string {
	return "Local"
}

// Description returns the factory description.
func (f *Factory) Description() string {
	return "Runs steps synchronously in-process through their registered step functions"
}

// Schema returns the JSON schema for local backend configuration.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"max_parallelism": map[string]any{
				"type":        "integer",
				"description": "Maximum number of steps executed concurrently",
				"minimum":     1,
				"default":     defaultMaxParallelism,
			},
		},
		"additionalProperties": false,
	}
}
