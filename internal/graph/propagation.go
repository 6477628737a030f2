package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// Outcome carries the details of a terminal status change.
type Outcome struct {
	Output map[string]any
	Error  string
	Kind   types.ErrorKind
	Reason string
	At     time.Time
}

// Propagate applies a terminal status to a node and its dependents.
//
// Applying the status a node already has is a no-op with AffectedCount 0, so
// duplicate completion notifications are harmless.
func (g *Graph) Propagate(id string, status types.NodeStatus, o Outcome) (types.StatusPropagationResult, error) {
	switch status {
	case types.StatusCompleted:
		return g.Complete(id, o.Output, o.At)
	case types.StatusFailed:
		return g.Fail(id, o.Error, o.Kind, o.At)
	case types.StatusSkipped:
		return g.Skip(id, o.Reason, o.At)
	case types.StatusPending, types.StatusRunning, types.StatusBlocked:
		return types.StatusPropagationResult{}, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidTransition, status)
	default:
		return types.StatusPropagationResult{}, fmt.Errorf("%w: unknown status %d", ErrInvalidTransition, uint8(status))
	}
}

// Complete marks a RUNNING node COMPLETED. Dependents are not touched; the
// resolver discovers them on its next pass.
func (g *Graph) Complete(id string, output map[string]any, at time.Time) (types.StatusPropagationResult, error) {
	n, err := g.lookup(id)
	if err != nil {
		return types.StatusPropagationResult{}, err
	}
	result := types.StatusPropagationResult{NodeID: id, NewStatus: types.StatusCompleted}
	if n.Status == types.StatusCompleted {
		return result, nil
	}
	if n.Status != types.StatusRunning {
		return result, NewTransitionError(id, n.Status, types.StatusCompleted, ErrInvalidTransition)
	}

	n.Status = types.StatusCompleted
	n.Output = types.CloneMap(output)
	n.ErrorMessage = ""
	n.ErrorKind = types.ErrorKindNone
	n.NotBefore = nil
	completed := at
	n.CompletedAt = &completed
	g.markDirty(id)

	result.DownstreamNodes = g.Dependents(id)
	return result, nil
}

// Fail marks a RUNNING node terminally FAILED and blocks every not-yet-started
// node that transitively depends on it.
func (g *Graph) Fail(id, errMsg string, kind types.ErrorKind, at time.Time) (types.StatusPropagationResult, error) {
	n, err := g.lookup(id)
	if err != nil {
		return types.StatusPropagationResult{}, err
	}
	result := types.StatusPropagationResult{NodeID: id, NewStatus: types.StatusFailed}
	if n.Status == types.StatusFailed {
		return result, nil
	}
	if n.Status != types.StatusRunning {
		return result, NewTransitionError(id, n.Status, types.StatusFailed, ErrInvalidTransition)
	}

	n.Status = types.StatusFailed
	n.ErrorMessage = errMsg
	n.ErrorKind = kind
	n.NotBefore = nil
	completed := at
	n.CompletedAt = &completed
	g.markDirty(id)

	result.DownstreamNodes = g.block(id)
	result.AffectedCount = len(result.DownstreamNodes)
	return result, nil
}

// block walks dependents breadth-first and moves PENDING nodes to BLOCKED.
// Resolved nodes stop the walk: a SKIPPED or COMPLETED dependent already
// satisfies its own dependents.
func (g *Graph) block(root string) []string {
	var affected []string
	visited := map[string]struct{}{root: {}}
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependents[id] {
			if _, seen := visited[dep]; seen {
				continue
			}
			visited[dep] = struct{}{}
			n := g.nodes[dep]
			switch n.Status {
			case types.StatusPending:
				n.Status = types.StatusBlocked
				n.NotBefore = nil
				g.markDirty(dep)
				affected = append(affected, dep)
				queue = append(queue, dep)
			case types.StatusBlocked:
				queue = append(queue, dep)
			case types.StatusRunning, types.StatusCompleted, types.StatusFailed, types.StatusSkipped:
			}
		}
	}
	sort.Strings(affected)
	return affected
}

// Skip marks a PENDING or BLOCKED node SKIPPED. Its dependents treat it as a
// satisfied dependency, and BLOCKED descendants with no remaining failed or
// blocked dependency return to PENDING.
func (g *Graph) Skip(id, reason string, at time.Time) (types.StatusPropagationResult, error) {
	n, err := g.lookup(id)
	if err != nil {
		return types.StatusPropagationResult{}, err
	}
	result := types.StatusPropagationResult{NodeID: id, NewStatus: types.StatusSkipped}
	switch n.Status {
	case types.StatusSkipped:
		return result, nil
	case types.StatusRunning:
		return result, NewTransitionError(id, n.Status, types.StatusSkipped, ErrSkipRunning)
	case types.StatusCompleted, types.StatusFailed:
		return result, NewTransitionError(id, n.Status, types.StatusSkipped, ErrNotSkippable)
	case types.StatusPending, types.StatusBlocked:
	default:
		return result, NewTransitionError(id, n.Status, types.StatusSkipped, ErrInvalidTransition)
	}

	n.Status = types.StatusSkipped
	n.SkipReason = reason
	n.NotBefore = nil
	completed := at
	n.CompletedAt = &completed
	g.markDirty(id)

	result.DownstreamNodes = g.release(id)
	result.AffectedCount = len(result.DownstreamNodes)
	return result, nil
}

// Rearm returns a FAILED node to PENDING so it is dispatched again, and
// releases descendants it was blocking.
func (g *Graph) Rearm(id string, resetRetryCount bool) (types.StatusPropagationResult, error) {
	n, err := g.lookup(id)
	if err != nil {
		return types.StatusPropagationResult{}, err
	}
	result := types.StatusPropagationResult{NodeID: id, NewStatus: types.StatusPending}
	if n.Status != types.StatusFailed {
		return result, NewTransitionError(id, n.Status, types.StatusPending, ErrNotFailed)
	}

	n.Status = types.StatusPending
	n.CompletedAt = nil
	n.NotBefore = nil
	n.ErrorMessage = ""
	n.ErrorKind = types.ErrorKindNone
	if resetRetryCount {
		n.RetryCount = 0
	}
	g.markDirty(id)

	result.DownstreamNodes = g.release(id)
	result.AffectedCount = len(result.DownstreamNodes)
	return result, nil
}

// release returns BLOCKED descendants of root to PENDING once none of their
// dependencies is FAILED or BLOCKED. It iterates to a fixpoint so chains of
// blocked nodes unblock in dependency order.
func (g *Graph) release(root string) []string {
	candidates := make(map[string]struct{})
	queue := []string{root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependents[id] {
			if _, seen := candidates[dep]; seen {
				continue
			}
			if g.nodes[dep].Status != types.StatusBlocked {
				continue
			}
			candidates[dep] = struct{}{}
			queue = append(queue, dep)
		}
	}

	var released []string
	for changed := true; changed; {
		changed = false
		for id := range candidates {
			n := g.nodes[id]
			if n.Status != types.StatusBlocked || g.stillBlocked(n) {
				continue
			}
			n.Status = types.StatusPending
			g.markDirty(id)
			released = append(released, id)
			delete(candidates, id)
			changed = true
		}
	}
	sort.Strings(released)
	return released
}

func (g *Graph) stillBlocked(n *types.GraphNode) bool {
	for _, dep := range n.DependsOn {
		d, ok := g.nodes[dep]
		if !ok {
			return true
		}
		if d.Status == types.StatusFailed || d.Status == types.StatusBlocked {
			return true
		}
	}
	return false
}

// CancelPending skips every PENDING and BLOCKED node and returns their IDs.
// Cancelled nodes carry ErrorKindCancelled so a reloaded graph can tell them
// from operator skips.
func (g *Graph) CancelPending(reason string, at time.Time) []string {
	var skipped []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status != types.StatusPending && n.Status != types.StatusBlocked {
			continue
		}
		n.Status = types.StatusSkipped
		n.SkipReason = reason
		n.ErrorKind = types.ErrorKindCancelled
		n.NotBefore = nil
		completed := at
		n.CompletedAt = &completed
		g.markDirty(id)
		skipped = append(skipped, id)
	}
	return skipped
}
