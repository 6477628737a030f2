package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

type memoryCampaign struct {
	nodes map[string]types.GraphNode
	execs map[string][]types.TaskExecution
	run   *types.RunRecord
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	campaigns map[string]*memoryCampaign
	closed    bool
	mu        sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		campaigns: make(map[string]*memoryCampaign),
	}
}

func (m *MemoryStore) CreateGraph(_ context.Context, campaignID string, nodes []types.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, exists := m.campaigns[campaignID]; exists {
		return fmt.Errorf("%w: %s", ErrCampaignExists, campaignID)
	}
	if err := checkNodes(campaignID, nodes); err != nil {
		return err
	}
	c := &memoryCampaign{
		nodes: make(map[string]types.GraphNode, len(nodes)),
		execs: make(map[string][]types.TaskExecution),
	}
	for _, n := range nodes {
		c.nodes[n.NodeID] = n.Clone()
	}
	m.campaigns[campaignID] = c
	return nil
}

func (m *MemoryStore) GetNodes(_ context.Context, campaignID string) ([]types.GraphNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.campaign(campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]types.GraphNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, n.Clone())
	}
	sortNodes(out)
	return out, nil
}

func (m *MemoryStore) UpsertNodes(_ context.Context, campaignID string, nodes []types.GraphNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.campaign(campaignID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if _, ok := c.nodes[n.NodeID]; !ok {
			return fmt.Errorf("%w: %s/%s", ErrNodeNotFound, campaignID, n.NodeID)
		}
	}
	for _, n := range nodes {
		c.nodes[n.NodeID] = n.Clone()
	}
	return nil
}

func (m *MemoryStore) AppendExecution(_ context.Context, exec types.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.campaign(exec.CampaignID)
	if err != nil {
		return err
	}
	if _, ok := c.nodes[exec.GraphNodeID]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNodeNotFound, exec.CampaignID, exec.GraphNodeID)
	}
	history := c.execs[exec.GraphNodeID]
	var last *types.TaskExecution
	if len(history) > 0 {
		last = &history[len(history)-1]
	}
	if err := checkAppend(last, exec); err != nil {
		return err
	}
	c.execs[exec.GraphNodeID] = append(history, cloneExecution(exec))
	return nil
}

func (m *MemoryStore) CompleteExecution(_ context.Context, exec types.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.campaign(exec.CampaignID)
	if err != nil {
		return err
	}
	history := c.execs[exec.GraphNodeID]
	var stored *types.TaskExecution
	for i := range history {
		if history[i].AttemptNumber == exec.AttemptNumber {
			stored = &history[i]
			break
		}
	}
	if err := checkComplete(stored, exec); err != nil {
		return err
	}
	*stored = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, campaignID, nodeID string) ([]types.TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.campaign(campaignID)
	if err != nil {
		return nil, err
	}
	var out []types.TaskExecution
	for id, history := range c.execs {
		if nodeID != "" && id != nodeID {
			continue
		}
		for _, e := range history {
			out = append(out, cloneExecution(e))
		}
	}
	sortExecutions(out)
	return out, nil
}

func (m *MemoryStore) SaveRun(_ context.Context, run types.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.campaign(run.CampaignID)
	if err != nil {
		return err
	}
	c.run = &run
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, campaignID string) (types.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.campaign(campaignID)
	if err != nil {
		return types.RunRecord{}, err
	}
	if c.run == nil {
		return types.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, campaignID)
	}
	return *c.run, nil
}

func (m *MemoryStore) ListCampaigns(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	ids := make([]string, 0, len(m.campaigns))
	for id := range m.campaigns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// campaign must be called with the lock held.
func (m *MemoryStore) campaign(id string) (*memoryCampaign, error) {
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	return c, nil
}

func cloneExecution(e types.TaskExecution) types.TaskExecution {
	out := e
	out.Input = types.CloneMap(e.Input)
	out.Output = types.CloneMap(e.Output)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
