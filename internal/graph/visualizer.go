package graph

import (
	"fmt"
	"io"
	"strings"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// Plan simulates a run on a copy of the graph in which every dispatched task
// succeeds, and returns the waves of node IDs that would dispatch together
// under parallelism along with the summary the run would end with.
//
// Nodes already RUNNING are assumed to complete before the first wave. Retry
// backoff is ignored. The receiver is not modified.
func (g *Graph) Plan(parallelism int) ([][]string, types.ExecutionSummary) {
	if parallelism < 1 {
		parallelism = 1
	}
	sim := g.Clone()
	for _, id := range sim.order {
		if n := sim.nodes[id]; n.Status == types.StatusRunning {
			n.Status = types.StatusCompleted
		}
	}

	var waves [][]string
	for {
		status := sim.statusIndex()
		ready := make([]types.ExecutableTask, 0)
		for _, id := range sim.order {
			if n := sim.nodes[id]; eligible(*n, status) {
				ready = append(ready, executable(*n))
			}
		}
		if len(ready) == 0 {
			break
		}
		sortTasks(ready)
		if len(ready) > parallelism {
			ready = ready[:parallelism]
		}
		wave := make([]string, 0, len(ready))
		for _, t := range ready {
			sim.nodes[t.NodeID].Status = types.StatusCompleted
			wave = append(wave, t.NodeID)
		}
		waves = append(waves, wave)
	}
	return waves, sim.Summary()
}

// Describe writes a plain-text rendering of the graph: one line per node with
// its status and dependencies, followed by the edge list.
func (g *Graph) Describe(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Campaign: %s\n\n", g.campaignID)

	b.WriteString("Nodes:\n")
	for _, id := range g.order {
		n := g.nodes[id]
		marker := "-"
		if len(n.DependsOn) == 0 {
			marker = "*"
		}
		fmt.Fprintf(&b, "  %s %s [%s] type=%s", marker, id, n.Status, n.TaskType)
		if n.AgentType != "" {
			fmt.Fprintf(&b, " agent=%s", n.AgentType)
		}
		if n.Priority != 0 {
			fmt.Fprintf(&b, " priority=%d", n.Priority)
		}
		if n.ErrorMessage != "" {
			fmt.Fprintf(&b, " error=%q", n.ErrorMessage)
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nEdges:\n")
	for _, id := range g.order {
		for _, dep := range g.nodes[id].DependsOn {
			fmt.Fprintf(&b, "  %s --> %s\n", dep, id)
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// DescribePlan writes the waves returned by Plan.
func DescribePlan(w io.Writer, waves [][]string) error {
	var b strings.Builder
	b.WriteString("Execution plan:\n")
	if len(waves) == 0 {
		b.WriteString("  (nothing to dispatch)\n")
	}
	for i, wave := range waves {
		fmt.Fprintf(&b, "  wave %d: %s\n", i+1, strings.Join(wave, ", "))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
