package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

const (
	white = iota
	gray
	black
)

// CheckIdentity returns the first node identity problem in def: an empty or
// repeated node ID.
func CheckIdentity(def types.TaskGraphDefinition) error {
	seen := make(map[string]struct{}, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.NodeID == "" {
			return NewValidationError("identity", fmt.Sprintf("#%d", i), ErrEmptyNodeID)
		}
		if _, exists := seen[n.NodeID]; exists {
			return NewValidationError("identity", n.NodeID, ErrDuplicateNode)
		}
		seen[n.NodeID] = struct{}{}
	}
	return nil
}

// Validate checks the structure of a graph definition: node identity,
// dependency references, and acyclicity. It is a pure function.
func Validate(def types.TaskGraphDefinition) types.DAGValidationResult {
	var (
		result types.DAGValidationResult
		errs   []error
	)

	if len(def.Nodes) == 0 {
		errs = append(errs, NewValidationError("structure", "", ErrEmptyGraph))
	}

	edges := make(map[string][]string, len(def.Nodes))
	ids := make([]string, 0, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.NodeID == "" {
			errs = append(errs, NewValidationError("identity", fmt.Sprintf("#%d", i), ErrEmptyNodeID))
			continue
		}
		if _, exists := edges[n.NodeID]; exists {
			errs = append(errs, NewValidationError("identity", n.NodeID, ErrDuplicateNode))
			continue
		}
		if n.MaxRetries != nil && *n.MaxRetries < 0 {
			errs = append(errs, NewValidationError("retries", n.NodeID, ErrInvalidRetries))
		}
		edges[n.NodeID] = nil
		ids = append(ids, n.NodeID)
	}
	sort.Strings(ids)

	// Keep only the first definition of a duplicated ID so later checks agree
	// with the identity errors above.
	defs := make(map[string]types.TaskDefinition, len(ids))
	for _, n := range def.Nodes {
		if n.NodeID == "" {
			continue
		}
		if _, seen := defs[n.NodeID]; !seen {
			defs[n.NodeID] = n
		}
	}

	badSeeds := make(map[string]struct{})
	for _, id := range ids {
		for _, dep := range dedupe(defs[id].DependsOn) {
			if _, ok := edges[dep]; !ok {
				result.MissingDependencies = append(result.MissingDependencies, types.MissingDependency{
					NodeID:    id,
					DependsOn: dep,
				})
				errs = append(errs, NewValidationError("dependencies", id,
					fmt.Errorf("%w: %s", ErrMissingDependency, dep)))
				badSeeds[id] = struct{}{}
				continue
			}
			edges[id] = append(edges[id], dep)
		}
		sort.Strings(edges[id])
	}

	for _, cycle := range findCycles(ids, edges) {
		result.HasCycles = true
		result.Cycles = append(result.Cycles, cycle)
		errs = append(errs, NewValidationError("cycles", cycle[0],
			fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(cycle, " -> "))))
		for _, id := range cycle {
			badSeeds[id] = struct{}{}
		}
	}

	result.UnreachableNodes = unreachableFrom(badSeeds, edges)

	for _, err := range errs {
		result.Errors = append(result.Errors, err.Error())
	}
	result.IsValid = len(errs) == 0
	return result
}

// Check validates def and returns a *ValidationError joining every problem,
// or nil for a well-formed DAG.
func Check(def types.TaskGraphDefinition) error {
	result := Validate(def)
	if result.IsValid {
		return nil
	}
	return ResultError(result)
}

// ResultError converts a failed validation result into an error.
func ResultError(result types.DAGValidationResult) error {
	if result.IsValid {
		return nil
	}
	causes := make([]error, 0, len(result.Errors)+1)
	if result.HasCycles {
		causes = append(causes, ErrCyclicDependency)
	}
	if len(result.MissingDependencies) > 0 {
		causes = append(causes, ErrMissingDependency)
	}
	for _, msg := range result.Errors {
		causes = append(causes, errors.New(msg))
	}
	return NewValidationError("graph", "", errors.Join(causes...))
}

type dfsFrame struct {
	id   string
	next int
}

// findCycles runs an iterative white/gray/black depth-first search along
// dependsOn edges and returns one witness path per back-edge found.
func findCycles(ids []string, edges map[string][]string) [][]string {
	color := make(map[string]int, len(ids))
	var cycles [][]string

	for _, start := range ids {
		if color[start] != white {
			continue
		}
		color[start] = gray
		stack := []dfsFrame{{id: start}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := edges[top.id]
			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++
				switch color[dep] {
				case white:
					color[dep] = gray
					stack = append(stack, dfsFrame{id: dep})
				case gray:
					cycles = append(cycles, cyclePath(stack, dep))
				}
				continue
			}
			color[top.id] = black
			stack = stack[:len(stack)-1]
		}
	}
	return cycles
}

func cyclePath(stack []dfsFrame, dep string) []string {
	start := len(stack) - 1
	for start > 0 && stack[start].id != dep {
		start--
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.id)
	}
	return append(path, dep)
}

// unreachableFrom returns every node that is, or transitively depends on, a
// seed. Those nodes can never become ready.
func unreachableFrom(seeds map[string]struct{}, edges map[string][]string) []string {
	if len(seeds) == 0 {
		return nil
	}
	dependents := make(map[string][]string, len(edges))
	for id, deps := range edges {
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	visited := make(map[string]struct{}, len(seeds))
	queue := make([]string, 0, len(seeds))
	for id := range seeds {
		visited[id] = struct{}{}
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}

	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
