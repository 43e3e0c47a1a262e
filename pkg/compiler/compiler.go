// Package compiler turns user-authored pipeline documents into compiled
// deployments. A document is authored in JSON or YAML, validated
// structurally against a JSON schema, normalized into step descriptors,
// and stamped with a version hash over its content; semantic validation
// (dangling references, cycles) is delegated to the deployment model.
package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/trellis-ml/trellis/pkg/models"
)

// ErrInvalidDocument is returned when a pipeline document fails schema
// validation or cannot be parsed.
var ErrInvalidDocument = errors.New("invalid pipeline document")

// PipelineSpec is the user-facing pipeline document. It mirrors the
// deployment model but stays declarative: steps are listed in authoring
// order and caching defaults to enabled.
type PipelineSpec struct {
	Name       string         `json:"name"`
	Stack      string         `json:"stack,omitempty"`
	Schedule   string         `json:"schedule,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Steps      []StepSpec     `json:"steps"`
}

// StepSpec declares one step of a pipeline document.
type StepSpec struct {
	Name     string                  `json:"name"`
	Source   string                  `json:"source"`
	Upstream []string                `json:"upstream,omitempty"`
	Inputs   map[string]models.Input `json:"inputs,omitempty"`
	Outputs  []models.OutputSpec     `json:"outputs,omitempty"`

	// CacheEnabled defaults to true when omitted.
	CacheEnabled *bool `json:"cache_enabled,omitempty"`

	Resources models.ResourceSettings `json:"resources,omitempty"`
	Backend   string                  `json:"backend,omitempty"`
}

// Compiler compiles pipeline documents into deployments.
type Compiler struct {
	logger *slog.Logger
}

func NewCompiler(logger *slog.Logger) *Compiler {
	return &Compiler{
		logger: logger.With("module", "compiler"),
	}
}

// Compile validates a raw pipeline document and returns an immutable
// deployment with a fresh ID and a content-derived version hash. Two
// documents with the same normalized content always produce the same
// version hash, regardless of authoring order.
func (c *Compiler) Compile(document []byte) (*models.Deployment, error) {
	document, err := normalizeDocument(document)
	if err != nil {
		return nil, err
	}

	if err := validateDocumentSchema(document); err != nil {
		return nil, err
	}

	var spec PipelineSpec
	if err := json.Unmarshal(document, &spec); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, err)
	}

	steps := make([]*models.Step, 0, len(spec.Steps))
	for i := range spec.Steps {
		steps = append(steps, compileStep(&spec.Steps[i]))
	}

	cfg := models.RunConfig{
		Stack:      spec.Stack,
		Parameters: spec.Parameters,
	}

	if cfg.Stack == "" {
		cfg.Stack = models.DefaultStackID
	}

	if spec.Schedule != "" {
		cfg.Schedule = &models.Schedule{Cron: spec.Schedule}
	}

	versionHash, err := versionHash(spec.Name, steps, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute version hash: %w", err)
	}

	id := "dep-" + uuid.New().String()[:8]

	deployment, err := models.NewDeployment(id, spec.Name, steps, cfg)
	if err != nil {
		return nil, err
	}

	deployment.VersionHash = versionHash

	c.logger.Info("Compiled pipeline document",
		"deployment_id", deployment.ID,
		"pipeline_name", deployment.PipelineName,
		"steps", len(deployment.Steps),
		"version_hash", versionHash[:12])

	return deployment, nil
}

// compileStep normalizes one declared step: upstream names are sorted and
// deduplicated, and caching defaults to enabled.
func compileStep(spec *StepSpec) *models.Step {
	step := &models.Step{
		Name:         spec.Name,
		Source:       spec.Source,
		Inputs:       spec.Inputs,
		Outputs:      spec.Outputs,
		CacheEnabled: spec.CacheEnabled == nil || *spec.CacheEnabled,
		Resources:    spec.Resources,
		Backend:      spec.Backend,
	}

	if len(spec.Upstream) > 0 {
		seen := make(map[string]bool, len(spec.Upstream))
		upstream := make([]string, 0, len(spec.Upstream))

		for _, name := range spec.Upstream {
			if seen[name] {
				continue
			}

			seen[name] = true

			upstream = append(upstream, name)
		}

		sort.Strings(upstream)

		step.Upstream = upstream
	}

	return step
}

// versionMaterial is the canonical content a deployment version hash
// covers. Steps are sorted by name so authoring order never changes the
// hash; the encoder sorts map keys.
type versionMaterial struct {
	PipelineName string           `json:"pipeline_name"`
	Steps        []*models.Step   `json:"steps"`
	RunConfig    models.RunConfig `json:"run_config"`
}

func versionHash(pipelineName string, steps []*models.Step, cfg models.RunConfig) (string, error) {
	sorted := make([]*models.Step, len(steps))
	copy(sorted, steps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	material := versionMaterial{
		PipelineName: pipelineName,
		Steps:        sorted,
		RunConfig:    cfg,
	}

	encoded, err := json.Marshal(material)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(encoded)

	return hex.EncodeToString(sum[:]), nil
}

// normalizeDocument returns the document as JSON, converting it from
// YAML when it does not already parse as JSON.
func normalizeDocument(document []byte) ([]byte, error) {
	if json.Valid(document) {
		return document, nil
	}

	var decoded any
	if err := yaml.Unmarshal(document, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, err)
	}

	converted, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, err)
	}

	return converted, nil
}

func validateDocumentSchema(document []byte) error {
	schemaLoader := gojsonschema.NewGoLoader(documentSchema)
	dataLoader := gojsonschema.NewBytesLoader(document)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidDocument, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, validationError := range result.Errors() {
			messages = append(messages, validationError.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(messages, "; "))
	}

	return nil
}

// documentSchema is the structural contract for pipeline documents.
// Cross-step constraints are enforced by deployment validation, not here.
var documentSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name":       map[string]any{"type": "string", "minLength": 1},
		"stack":      map[string]any{"type": "string"},
		"schedule":   map[string]any{"type": "string"},
		"parameters": map[string]any{"type": "object"},
		"steps": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items":    stepSchema,
		},
	},
	"required":             []string{"name", "steps"},
	"additionalProperties": false,
}

var stepSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"name":   map[string]any{"type": "string", "minLength": 1},
		"source": map[string]any{"type": "string", "minLength": 1},
		"upstream": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string", "minLength": 1},
		},
		"inputs": map[string]any{
			"type":                 "object",
			"additionalProperties": inputSchema,
		},
		"outputs": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{"type": "string", "minLength": 1},
					"type": map[string]any{"type": "string"},
				},
				"required":             []string{"name"},
				"additionalProperties": false,
			},
		},
		"cache_enabled": map[string]any{"type": "boolean"},
		"resources": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"cpu":    map[string]any{"type": "string"},
				"memory": map[string]any{"type": "string"},
				"gpu":    map[string]any{"type": "integer", "minimum": 0},
			},
			"additionalProperties": false,
		},
		"backend": map[string]any{"type": "string"},
	},
	"required":             []string{"name", "source"},
	"additionalProperties": false,
}

var inputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"value":  map[string]any{},
		"step":   map[string]any{"type": "string"},
		"output": map[string]any{"type": "string"},
	},
	"additionalProperties": false,
}
