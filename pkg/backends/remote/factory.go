package remote

import (
	"context"
	"errors"

	"github.com/trellis-ml/trellis/pkg/protocol"
)

// Factory creates remote backend instances.
type Factory struct{}

// NewFactory creates a new factory instance.
func NewFactory() protocol.BackendFactory {
	return &Factory{}
}

// Create creates a new remote backend with the given configuration.
func (f *Factory) Create(_ context.Context, config map[string]any, deps protocol.Dependencies) (protocol.ExecutionBackend, error) {
	if deps.EventBus == nil {
		return nil, errors.New("remote backend requires an event bus")
	}

	maxParallelism := 0

	switch v := config["max_parallelism"].(type) {
	case float64:
		maxParallelism = int(v)
	case int:
		maxParallelism = v
	}

	return &Backend{
		id:             f.ID(),
		logger:         deps.Logger.With("module", "remote_backend"),
		eventBus:       deps.EventBus,
		maxParallelism: maxParallelism,
	}, nil
}

// ID returns the factory ID.
func (f *Factory) ID() string {
	return "remote"
}

// Name returns the factory name.
func (f *Factory) Name() string {
	return "Remote"
}

// Description returns the factory description.
func (f *Factory) Description() string {
	return "Dispatches steps to worker processes over the event bus and reports completion asynchronously"
}

// Schema returns the JSON schema for remote backend configuration.
func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"max_parallelism": map[string]any{
				"type":        "integer",
				"description": "Maximum number of dispatched steps in flight, 0 for no cap",
				"minimum":     0,
			},
		},
		"additionalProperties": false,
	}
}
