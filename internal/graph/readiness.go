package graph

import (
	"sort"
	"time"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// ResolveReady returns the nodes that may be dispatched at now: PENDING, past
// any retry backoff, and with every dependency COMPLETED or SKIPPED.
//
// The result is ordered by priority (highest first) and then node ID. The
// input is only read.
func ResolveReady(nodes []types.GraphNode, now time.Time) []types.ExecutableTask {
	status := make(map[string]types.NodeStatus, len(nodes))
	for _, n := range nodes {
		status[n.NodeID] = n.Status
	}

	ready := make([]types.ExecutableTask, 0)
	for _, n := range nodes {
		if !eligible(n, status) || backingOff(n, now) {
			continue
		}
		ready = append(ready, executable(n))
	}
	sortTasks(ready)
	return ready
}

// Ready is ResolveReady over the graph's current node set.
func (g *Graph) Ready(now time.Time) []types.ExecutableTask {
	status := g.statusIndex()
	ready := make([]types.ExecutableTask, 0)
	for _, id := range g.order {
		n := g.nodes[id]
		if !eligible(*n, status) || backingOff(*n, now) {
			continue
		}
		ready = append(ready, executable(*n))
	}
	sortTasks(ready)
	return ready
}

// HasSchedulable reports whether some PENDING node has all dependencies
// resolved, ignoring retry backoff. When it is false and nothing is running,
// the run can make no further progress on its own.
func (g *Graph) HasSchedulable() bool {
	status := g.statusIndex()
	for _, id := range g.order {
		if eligible(*g.nodes[id], status) {
			return true
		}
	}
	return false
}

// NextWake returns the earliest retry backoff deadline among eligible nodes
// that are still waiting.
func (g *Graph) NextWake(now time.Time) (time.Time, bool) {
	status := g.statusIndex()
	var (
		earliest time.Time
		found    bool
	)
	for _, id := range g.order {
		n := g.nodes[id]
		if !eligible(*n, status) || !backingOff(*n, now) {
			continue
		}
		if !found || n.NotBefore.Before(earliest) {
			earliest = *n.NotBefore
			found = true
		}
	}
	return earliest, found
}

func (g *Graph) statusIndex() map[string]types.NodeStatus {
	status := make(map[string]types.NodeStatus, len(g.nodes))
	for id, n := range g.nodes {
		status[id] = n.Status
	}
	return status
}

func eligible(n types.GraphNode, status map[string]types.NodeStatus) bool {
	if n.Status != types.StatusPending {
		return false
	}
	for _, dep := range n.DependsOn {
		st, ok := status[dep]
		if !ok || !st.SatisfiesDependency() {
			return false
		}
	}
	return true
}

func backingOff(n types.GraphNode, now time.Time) bool {
	return n.NotBefore != nil && n.NotBefore.After(now)
}

func executable(n types.GraphNode) types.ExecutableTask {
	return types.ExecutableTask{
		NodeID:    n.NodeID,
		TaskType:  n.TaskType,
		AgentType: n.AgentType,
		Priority:  n.Priority,
		Attempt:   n.Attempts + 1,
	}
}

func sortTasks(tasks []types.ExecutableTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		return tasks[i].NodeID < tasks[j].NodeID
	})
}
