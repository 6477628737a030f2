package graph

import "github.com/avi3tal/campaigngraph/pkg/types"

// Summarize counts nodes per status. A run is complete when nothing is
// PENDING, RUNNING or BLOCKED.
func Summarize(nodes []types.GraphNode) types.ExecutionSummary {
	var s types.ExecutionSummary
	for _, n := range nodes {
		s = addStatus(s, n.Status)
	}
	return finish(s)
}

// Summary is Summarize over the graph's current node set.
func (g *Graph) Summary() types.ExecutionSummary {
	var s types.ExecutionSummary
	for _, id := range g.order {
		s = addStatus(s, g.nodes[id].Status)
	}
	return finish(s)
}

func addStatus(s types.ExecutionSummary, st types.NodeStatus) types.ExecutionSummary {
	s.Total++
	switch st {
	case types.StatusPending:
		s.Pending++
	case types.StatusRunning:
		s.Running++
	case types.StatusCompleted:
		s.Completed++
	case types.StatusFailed:
		s.Failed++
	case types.StatusBlocked:
		s.Blocked++
	case types.StatusSkipped:
		s.Skipped++
	}
	return s
}

func finish(s types.ExecutionSummary) types.ExecutionSummary {
	if s.Total > 0 {
		s.Progress = float64(s.Completed+s.Skipped) / float64(s.Total)
	}
	s.IsComplete = s.Pending == 0 && s.Running == 0 && s.Blocked == 0
	s.HasFailures = s.Failed > 0
	return s
}
