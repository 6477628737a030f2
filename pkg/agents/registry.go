package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

var (
	// ErrDuplicateAgent is returned when registering a name twice
	ErrDuplicateAgent = errors.New("agent already registered")

	// ErrAgentNotFound is reported when no agent handles a task
	ErrAgentNotFound = errors.New("no agent registered for task")
)

// Registry routes each task to the agent named by its agent type, falling
// back to its task type. It implements types.Executor.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]Agent
	fallback Agent
}

func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{agents: make(map[string]Agent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an agent under its name.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[a.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.Name())
	}
	r.agents[a.Name()] = a
	return nil
}

// SetFallback sets the agent used when no name matches.
func (r *Registry) SetFallback(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = a
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) resolve(tc types.TaskExecutionContext) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tc.AgentType != "" {
		if a, ok := r.agents[tc.AgentType]; ok {
			return a, true
		}
	}
	if a, ok := r.agents[tc.TaskType]; ok {
		return a, true
	}
	return r.fallback, r.fallback != nil
}

// Execute dispatches tc to its agent. A task no agent handles fails with
// ErrAgentNotFound; retrying it would not help.
func (r *Registry) Execute(ctx context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
	a, ok := r.resolve(tc)
	if !ok {
		name := tc.AgentType
		if name == "" {
			name = tc.TaskType
		}
		return types.TaskExecutionResult{
			NodeID: tc.NodeID,
			Status: types.ExecutionFailed,
			Error:  fmt.Sprintf("%s: %s", ErrAgentNotFound, name),
		}, nil
	}
	return a.Execute(ctx, tc)
}
