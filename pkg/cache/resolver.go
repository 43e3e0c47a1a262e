package cache

import (
	"context"
	"log/slog"

	"github.com/trellis-ml/trellis/pkg/models"
	"github.com/trellis-ml/trellis/pkg/persistence"
)

// Request carries everything the resolver needs to decide on one step.
// Upstream holds the current run's step records for every upstream step,
// each already terminal-successful with its cache key filled in.
type Request struct {
	Deployment *models.Deployment
	Step       *models.Step
	StackID    string
	Upstream   []*models.StepRun
}

// Decision is the resolver's answer. Key is always set so the caller can
// record it on the step run even on a miss. On a hit, Outputs carries the
// artifact refs to reuse and SourceRunID names the run that originally
// executed the step.
type Decision struct {
	Key         string
	Hit         bool
	Outputs     map[string]models.ArtifactRef
	SourceRunID string
}

// Resolver answers cache lookups against the run history in the store.
type Resolver struct {
	logger *slog.Logger
	store  persistence.Store
}

// NewResolver creates a cache resolver backed by the given store.
func NewResolver(logger *slog.Logger, store persistence.Store) *Resolver {
	return &Resolver{
		logger: logger.With("module", "cache_resolver"),
		store:  store,
	}
}

// Resolve computes the step's cache key and looks for a matching
// terminal-successful step run of the same pipeline. Lookups never fail
// the caller: a disabled cache, a missing history record, or a store
// error all come back as a miss.
func (r *Resolver) Resolve(ctx context.Context, req Request) Decision {
	key, err := Key(req.Step, req.StackID, req.Upstream)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to compute cache key, treating as miss",
			"pipeline_name", req.Deployment.PipelineName,
			"step_name", req.Step.Name,
			"error", err)

		return Decision{}
	}

	decision := Decision{Key: key}

	if !req.Step.CacheEnabled {
		return decision
	}

	found, err := r.store.FindCachedStep(ctx, req.Deployment.PipelineName, key)
	if err != nil {
		if !persistence.IsStepRunNotFound(err) {
			r.logger.WarnContext(ctx, "Cache lookup failed, treating as miss",
				"pipeline_name", req.Deployment.PipelineName,
				"step_name", req.Step.Name,
				"cache_key", key,
				"error", err)
		}

		return decision
	}

	if len(found.OutputRefs) == 0 && len(req.Step.Outputs) > 0 {
		// A matching record without the outputs it should carry is
		// corrupt; reusing it would hand dependents nothing to consume.
		r.logger.WarnContext(ctx, "Cached step run has no output refs, treating as miss",
			"pipeline_name", req.Deployment.PipelineName,
			"step_name", req.Step.Name,
			"cache_key", key,
			"source_run_id", found.RunID)

		return decision
	}

	decision.Hit = true
	decision.Outputs = found.OutputRefs
	decision.SourceRunID = found.RunID

	// A hit on an already-cached record chains back to the run that
	// actually executed the step, so provenance stays one hop deep.
	if found.Status == models.StatusCached && found.SourceRunID != "" {
		decision.SourceRunID = found.SourceRunID
	}

	r.logger.DebugContext(ctx, "Cache hit",
		"pipeline_name", req.Deployment.PipelineName,
		"step_name", req.Step.Name,
		"cache_key", key,
		"source_run_id", decision.SourceRunID)

	return decision
}
