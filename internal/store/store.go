// Package store persists campaign graphs and their execution records.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

var (
	// ErrCampaignNotFound is returned when no graph exists for a campaign
	ErrCampaignNotFound = errors.New("campaign graph not found")

	// ErrCampaignExists is returned when creating a graph twice
	ErrCampaignExists = errors.New("campaign graph already exists")

	// ErrRunNotFound is returned when a campaign has never recorded a run
	ErrRunNotFound = errors.New("campaign run record not found")

	// ErrDuplicateNode is returned when a graph repeats a node ID
	ErrDuplicateNode = errors.New("graph contains a duplicate node ID")

	// ErrNodeNotFound is returned when upserting a node outside the graph
	ErrNodeNotFound = errors.New("graph node not found")

	// ErrExecutionNotFound is returned when completing an unknown attempt
	ErrExecutionNotFound = errors.New("execution record not found")

	// ErrExecutionClosed is returned when modifying a completed attempt
	ErrExecutionClosed = errors.New("execution record is already completed")

	// ErrIncompleteRecord is returned when closing an attempt without a completion time
	ErrIncompleteRecord = errors.New("execution record has no completion time")

	// ErrAttemptOrder is returned when an appended attempt does not follow the
	// node's last attempt, or that attempt is still open
	ErrAttemptOrder = errors.New("execution attempts must be sequential and non-overlapping")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("store is closed")
)

// Store is the persistence boundary of the engine.
//
// UpsertNodes applies its batch atomically: either every node is written or
// none is. Implementations are safe for concurrent use.
type Store interface {
	// CreateGraph stores the initial node set of a campaign.
	CreateGraph(ctx context.Context, campaignID string, nodes []types.GraphNode) error

	// GetNodes returns every node of a campaign ordered by node ID.
	GetNodes(ctx context.Context, campaignID string) ([]types.GraphNode, error)

	// UpsertNodes overwrites the given nodes of an existing campaign.
	UpsertNodes(ctx context.Context, campaignID string, nodes []types.GraphNode) error

	// AppendExecution records a new attempt.
	AppendExecution(ctx context.Context, exec types.TaskExecution) error

	// CompleteExecution closes an open attempt.
	CompleteExecution(ctx context.Context, exec types.TaskExecution) error

	// ListExecutions returns the attempts of one node, or of every node when
	// nodeID is empty, ordered by node ID and attempt number.
	ListExecutions(ctx context.Context, campaignID, nodeID string) ([]types.TaskExecution, error)

	// SaveRun overwrites the run record of an existing campaign.
	SaveRun(ctx context.Context, run types.RunRecord) error

	// GetRun returns the campaign's run record, or ErrRunNotFound.
	GetRun(ctx context.Context, campaignID string) (types.RunRecord, error)

	// ListCampaigns returns the IDs of all stored campaigns.
	ListCampaigns(ctx context.Context) ([]string, error)

	Close() error
}

func sortNodes(nodes []types.GraphNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].NodeID < nodes[j].NodeID
	})
}

func sortExecutions(execs []types.TaskExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].GraphNodeID != execs[j].GraphNodeID {
			return execs[i].GraphNodeID < execs[j].GraphNodeID
		}
		return execs[i].AttemptNumber < execs[j].AttemptNumber
	})
}

// checkNodes rejects node sets that cannot be keyed by node ID.
func checkNodes(campaignID string, nodes []types.GraphNode) error {
	seen := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.NodeID]; ok {
			return fmt.Errorf("%w: %s/%s", ErrDuplicateNode, campaignID, n.NodeID)
		}
		seen[n.NodeID] = struct{}{}
	}
	return nil
}

// checkAppend enforces strictly increasing attempt numbers with at most one
// open attempt per node. last is the node's latest record, if any.
func checkAppend(last *types.TaskExecution, exec types.TaskExecution) error {
	if exec.AttemptNumber < 1 {
		return fmt.Errorf("%w: attempt %d for node %s", ErrAttemptOrder, exec.AttemptNumber, exec.GraphNodeID)
	}
	if last == nil {
		return nil
	}
	if !last.Completed() {
		return fmt.Errorf("%w: attempt %d of node %s is still open", ErrAttemptOrder, last.AttemptNumber, exec.GraphNodeID)
	}
	if exec.AttemptNumber <= last.AttemptNumber {
		return fmt.Errorf("%w: attempt %d after %d for node %s", ErrAttemptOrder, exec.AttemptNumber, last.AttemptNumber, exec.GraphNodeID)
	}
	return nil
}

// checkComplete validates closing stored with exec.
func checkComplete(stored *types.TaskExecution, exec types.TaskExecution) error {
	if stored == nil {
		return fmt.Errorf("%w: node %s attempt %d", ErrExecutionNotFound, exec.GraphNodeID, exec.AttemptNumber)
	}
	if stored.Completed() {
		return fmt.Errorf("%w: node %s attempt %d", ErrExecutionClosed, exec.GraphNodeID, exec.AttemptNumber)
	}
	if !exec.Completed() {
		return fmt.Errorf("%w: node %s attempt %d", ErrIncompleteRecord, exec.GraphNodeID, exec.AttemptNumber)
	}
	return nil
}
