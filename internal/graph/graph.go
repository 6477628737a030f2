package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// Graph is the indexed node set of one campaign's execution graph.
//
// A Graph is not safe for concurrent use. During execution it is owned by a
// single coordinator goroutine; readers work on Clone or Nodes copies.
type Graph struct {
	campaignID string
	nodes      map[string]*types.GraphNode
	order      []string
	dependents map[string][]string
	dirty      map[string]struct{}
}

// New indexes nodes for campaignID. Nodes are copied.
func New(campaignID string, nodes []types.GraphNode) *Graph {
	g := &Graph{
		campaignID: campaignID,
		nodes:      make(map[string]*types.GraphNode, len(nodes)),
		order:      make([]string, 0, len(nodes)),
		dependents: make(map[string][]string),
		dirty:      make(map[string]struct{}),
	}
	for _, n := range nodes {
		c := n.Clone()
		c.CampaignID = campaignID
		if _, exists := g.nodes[c.NodeID]; !exists {
			g.order = append(g.order, c.NodeID)
		}
		g.nodes[c.NodeID] = &c
	}
	sort.Strings(g.order)
	g.index()
	return g
}

func (g *Graph) index() {
	for _, id := range g.order {
		for _, dep := range g.nodes[id].DependsOn {
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for dep := range g.dependents {
		sort.Strings(g.dependents[dep])
	}
}

// CampaignID returns the owning campaign.
func (g *Graph) CampaignID() string {
	return g.campaignID
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// HasNode reports whether id is part of the graph.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (types.GraphNode, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return types.GraphNode{}, false
	}
	return n.Clone(), true
}

func (g *Graph) lookup(id string) (*types.GraphNode, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n, nil
}

// Nodes returns copies of all nodes ordered by node ID.
func (g *Graph) Nodes() []types.GraphNode {
	out := make([]types.GraphNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Dependents returns the IDs of nodes that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// Clone returns an independent deep copy.
func (g *Graph) Clone() *Graph {
	return New(g.campaignID, g.Nodes())
}

// Definition rebuilds the submitted definition from the node set.
func (g *Graph) Definition() types.TaskGraphDefinition {
	def := types.TaskGraphDefinition{Nodes: make([]types.TaskDefinition, 0, len(g.order))}
	for _, id := range g.order {
		n := g.nodes[id]
		maxRetries := n.MaxRetries
		def.Nodes = append(def.Nodes, types.TaskDefinition{
			NodeID:     n.NodeID,
			TaskType:   n.TaskType,
			AgentType:  n.AgentType,
			Config:     types.CloneMap(n.Config),
			Metadata:   types.CloneMap(n.Metadata),
			DependsOn:  append([]string(nil), n.DependsOn...),
			Priority:   n.Priority,
			MaxRetries: &maxRetries,
		})
	}
	return def
}

// DependencyOutputs returns the outputs of id's direct dependencies. Skipped
// dependencies have no output and are omitted.
func (g *Graph) DependencyOutputs(id string) map[string]map[string]any {
	n, ok := g.nodes[id]
	if !ok || len(n.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]map[string]any, len(n.DependsOn))
	for _, dep := range n.DependsOn {
		d, ok := g.nodes[dep]
		if !ok || d.Status != types.StatusCompleted {
			continue
		}
		out[dep] = types.CloneMap(d.Output)
	}
	return out
}

// CountStatus returns the number of nodes in status s.
func (g *Graph) CountStatus(s types.NodeStatus) int {
	count := 0
	for _, n := range g.nodes {
		if n.Status == s {
			count++
		}
	}
	return count
}

func (g *Graph) markDirty(id string) {
	g.dirty[id] = struct{}{}
}

// MarkDirty re-queues nodes for the next TakeDirty, e.g. after a failed write.
func (g *Graph) MarkDirty(ids ...string) {
	for _, id := range ids {
		if _, ok := g.nodes[id]; ok {
			g.markDirty(id)
		}
	}
}

// IsDirty reports whether any node changed since the last TakeDirty.
func (g *Graph) IsDirty() bool {
	return len(g.dirty) > 0
}

// TakeDirty returns copies of the nodes changed since the last call, ordered
// by node ID, and resets the change set.
func (g *Graph) TakeDirty() []types.GraphNode {
	if len(g.dirty) == 0 {
		return nil
	}
	ids := make([]string, 0, len(g.dirty))
	for id := range g.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]types.GraphNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].Clone())
	}
	g.dirty = make(map[string]struct{})
	return out
}

// MarkRunning moves a PENDING node to RUNNING for a new attempt and returns
// the attempt number.
func (g *Graph) MarkRunning(id string, now time.Time) (int, error) {
	n, err := g.lookup(id)
	if err != nil {
		return 0, err
	}
	if n.Status != types.StatusPending {
		return 0, NewTransitionError(id, n.Status, types.StatusRunning, ErrInvalidTransition)
	}
	n.Status = types.StatusRunning
	n.Attempts++
	started := now
	n.StartedAt = &started
	n.CompletedAt = nil
	n.NotBefore = nil
	n.ErrorMessage = ""
	n.ErrorKind = types.ErrorKindNone
	g.markDirty(id)
	return n.Attempts, nil
}

// ScheduleRetry returns a RUNNING node to PENDING after a failed attempt. The
// node becomes ready again once notBefore has passed.
func (g *Graph) ScheduleRetry(id string, notBefore time.Time, errMsg string, kind types.ErrorKind) error {
	n, err := g.lookup(id)
	if err != nil {
		return err
	}
	if n.Status != types.StatusRunning {
		return NewTransitionError(id, n.Status, types.StatusPending, ErrInvalidTransition)
	}
	n.Status = types.StatusPending
	n.RetryCount++
	nb := notBefore
	n.NotBefore = &nb
	n.ErrorMessage = errMsg
	n.ErrorKind = kind
	g.markDirty(id)
	return nil
}

// Recover returns nodes left RUNNING by a crashed coordinator to PENDING and
// reports their IDs.
func (g *Graph) Recover() []string {
	var recovered []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status != types.StatusRunning {
			continue
		}
		n.Status = types.StatusPending
		n.StartedAt = nil
		n.ErrorMessage = "attempt interrupted by coordinator restart"
		n.ErrorKind = types.ErrorKindInterrupted
		g.markDirty(id)
		recovered = append(recovered, id)
	}
	return recovered
}
