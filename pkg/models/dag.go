package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrCyclicDependency is returned when the upstream relation over a step
// set contains a cycle. It is raised at compile time and re-checked
// defensively before any run record is created.
var ErrCyclicDependency = errors.New("cyclic step dependency")

// TopologicalOrder returns every step name ordered so that each step
// appears after all of its upstream steps. Ready steps are emitted in
// ascending name order, which makes the full ordering deterministic.
func TopologicalOrder(steps map[string]*Step) ([]string, error) {
	indegree := make(map[string]int, len(steps))

	for name := range steps {
		indegree[name] = 0
	}

	downstream, err := DownstreamIndex(steps)
	if err != nil {
		return nil, err
	}

	for name, step := range steps {
		indegree[name] = len(uniqueUpstream(step))
	}

	ready := make([]string, 0, len(steps))

	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}

	sort.Strings(ready)

	order := make([]string, 0, len(steps))

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		released := false

		for _, down := range downstream[name] {
			indegree[down]--

			if indegree[down] == 0 {
				ready = append(ready, down)
				released = true
			}
		}

		if released {
			sort.Strings(ready)
		}
	}

	if len(order) != len(steps) {
		stuck := make([]string, 0, len(steps)-len(order))

		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}

		sort.Strings(stuck)

		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(stuck, ", "))
	}

	return order, nil
}

// DownstreamIndex inverts the upstream relation: for every step, the names
// of the steps that directly depend on it, in ascending order. Unknown
// upstream references are rejected.
func DownstreamIndex(steps map[string]*Step) (map[string][]string, error) {
	downstream := make(map[string][]string, len(steps))

	for name, step := range steps {
		for _, up := range uniqueUpstream(step) {
			if _, ok := steps[up]; !ok {
				return nil, fmt.Errorf("%w: step %q references unknown upstream step %q", ErrInvalidStep, name, up)
			}

			downstream[up] = append(downstream[up], name)
		}
	}

	for _, names := range downstream {
		sort.Strings(names)
	}

	return downstream, nil
}

func uniqueUpstream(step *Step) []string {
	if len(step.Upstream) < 2 {
		return step.Upstream
	}

	seen := make(map[string]bool, len(step.Upstream))
	unique := make([]string, 0, len(step.Upstream))

	for _, up := range step.Upstream {
		if !seen[up] {
			seen[up] = true

			unique = append(unique, up)
		}
	}

	return unique
}
