package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepWithUpstream(name string, upstream ...string) *Step {
	return &Step{
		Name:         name,
		Source:       name + "@v1",
		Upstream:     upstream,
		CacheEnabled: true,
	}
}

func TestTopologicalOrder_Chain(t *testing.T) {
	steps := map[string]*Step{
		"load":  stepWithUpstream("load"),
		"train": stepWithUpstream("train", "load"),
		"eval":  stepWithUpstream("eval", "train"),
	}

	order, err := TopologicalOrder(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"load", "train", "eval"}, order)
}

func TestTopologicalOrder_TiesBrokenByName(t *testing.T) {
	steps := map[string]*Step{
		"load":     stepWithUpstream("load"),
		"zeta":     stepWithUpstream("zeta", "load"),
		"alpha":    stepWithUpstream("alpha", "load"),
		"combined": stepWithUpstream("combined", "alpha", "zeta"),
	}

	order, err := TopologicalOrder(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"load", "alpha", "zeta", "combined"}, order)
}

func TestTopologicalOrder_TwoNodeCycle(t *testing.T) {
	steps := map[string]*Step{
		"a": stepWithUpstream("a", "b"),
		"b": stepWithUpstream("b", "a"),
	}

	_, err := TopologicalOrder(steps)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCyclicDependency)
	assert.Contains(t, err.Error(), "a, b")
}

func TestTopologicalOrder_LongerCycleBehindValidPrefix(t *testing.T) {
	steps := map[string]*Step{
		"load": stepWithUpstream("load"),
		"a":    stepWithUpstream("a", "load", "c"),
		"b":    stepWithUpstream("b", "a"),
		"c":    stepWithUpstream("c", "b"),
	}

	_, err := TopologicalOrder(steps)
	assert.ErrorIs(t, err, ErrCyclicDependency)
}

func TestTopologicalOrder_UnknownUpstream(t *testing.T) {
	steps := map[string]*Step{
		"train": stepWithUpstream("train", "missing"),
	}

	_, err := TopologicalOrder(steps)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestTopologicalOrder_DuplicateUpstreamEntriesCountedOnce(t *testing.T) {
	steps := map[string]*Step{
		"load":  stepWithUpstream("load"),
		"train": stepWithUpstream("train", "load", "load"),
	}

	order, err := TopologicalOrder(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"load", "train"}, order)
}

func TestDownstreamIndex_InvertsAndSorts(t *testing.T) {
	steps := map[string]*Step{
		"load":  stepWithUpstream("load"),
		"zeta":  stepWithUpstream("zeta", "load"),
		"alpha": stepWithUpstream("alpha", "load"),
	}

	downstream, err := DownstreamIndex(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zeta"}, downstream["load"])
	assert.Empty(t, downstream["alpha"])
}
