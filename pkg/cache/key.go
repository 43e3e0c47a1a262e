// Package cache decides whether a step about to be dispatched can reuse
// the outputs of an earlier execution instead of running again.
//
// Each step gets a cache key hashed over everything that influences its
// outputs: the step source fingerprint, literal parameter values,
// declared output slots, the stack profile, and the cache keys of every
// upstream step. Because upstream keys feed into downstream keys, any
// change to an ancestor re-keys all of its descendants, so a miss
// cascades forward without extra bookkeeping.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/trellis-ml/trellis/pkg/models"
)

type keyMaterial struct {
	StepName string                  `json:"step_name"`
	Source   string                  `json:"source"`
	Inputs   map[string]models.Input `json:"inputs,omitempty"`
	Outputs  []models.OutputSpec     `json:"outputs,omitempty"`
	StackID  string                  `json:"stack_id"`
	Upstream []upstreamKeyMaterial   `json:"upstream,omitempty"`
}

type upstreamKeyMaterial struct {
	Step     string                        `json:"step"`
	CacheKey string                        `json:"cache_key"`
	Outputs  map[string]models.ArtifactRef `json:"outputs,omitempty"`
}

// Key computes the cache key for a step. Upstream step runs must already
// carry their own cache keys; order of the upstream slice does not affect
// the result. The key is a lowercase hex sha256 digest.
func Key(step *models.Step, stackID string, upstream []*models.StepRun) (string, error) {
	material := keyMaterial{
		StepName: step.Name,
		Source:   step.Source,
		StackID:  stackID,
	}

	// Literal inputs contribute their values, artifact inputs their
	// wiring. The content behind an artifact input is covered by the
	// upstream entries below.
	if len(step.Inputs) > 0 {
		material.Inputs = make(map[string]models.Input, len(step.Inputs))
		for name, input := range step.Inputs {
			material.Inputs[name] = input
		}
	}

	if len(step.Outputs) > 0 {
		material.Outputs = make([]models.OutputSpec, len(step.Outputs))
		copy(material.Outputs, step.Outputs)
		sort.Slice(material.Outputs, func(i, j int) bool {
			return material.Outputs[i].Name < material.Outputs[j].Name
		})
	}

	for _, up := range upstream {
		if up == nil {
			continue
		}

		material.Upstream = append(material.Upstream, upstreamKeyMaterial{
			Step:     up.StepName,
			CacheKey: up.CacheKey,
			Outputs:  up.OutputRefs,
		})
	}

	sort.Slice(material.Upstream, func(i, j int) bool {
		return material.Upstream[i].Step < material.Upstream[j].Step
	})

	// encoding/json writes map keys in sorted order, so the encoding is
	// canonical for identical material.
	encoded, err := json.Marshal(material)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key material for step %s: %w", step.Name, err)
	}

	digest := sha256.Sum256(encoded)

	return hex.EncodeToString(digest[:]), nil
}
