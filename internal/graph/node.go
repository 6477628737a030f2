package graph

import (
	"github.com/avi3tal/campaigngraph/pkg/types"
)

// NodesFromDefinition creates the PENDING node set for a campaign from a
// submitted definition. It performs no validation; run Validate first.
func NodesFromDefinition(campaignID string, def types.TaskGraphDefinition, opts ...Option) []types.GraphNode {
	o := buildOptions{defaultMaxRetries: defaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}

	nodes := make([]types.GraphNode, 0, len(def.Nodes))
	for _, td := range def.Nodes {
		maxRetries := o.defaultMaxRetries
		if td.MaxRetries != nil {
			maxRetries = *td.MaxRetries
		}
		nodes = append(nodes, types.GraphNode{
			CampaignID: campaignID,
			NodeID:     td.NodeID,
			TaskType:   td.TaskType,
			AgentType:  td.AgentType,
			Config:     types.CloneMap(td.Config),
			Metadata:   types.CloneMap(td.Metadata),
			DependsOn:  dedupe(td.DependsOn),
			Priority:   td.Priority,
			MaxRetries: maxRetries,
			Status:     types.StatusPending,
		})
	}
	return nodes
}

// FromDefinition is NodesFromDefinition followed by New.
func FromDefinition(campaignID string, def types.TaskGraphDefinition, opts ...Option) *Graph {
	return New(campaignID, NodesFromDefinition(campaignID, def, opts...))
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
