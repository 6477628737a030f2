package workflow

import (
	"github.com/avi3tal/campaigngraph/pkg/types"
)

// Step represents a node in the user-facing workflow DSL. Steps are values;
// the With methods return modified copies.
type Step struct {
	id         string
	taskType   string
	agentType  string
	config     map[string]any
	metadata   map[string]any
	priority   int
	maxRetries *int
}

// Task creates a step with the given node ID and task type.
func Task(id, taskType string) Step {
	return Step{id: id, taskType: taskType}
}

func (s Step) ID() string {
	return s.id
}

// WithAgent routes the step to a specific agent.
func (s Step) WithAgent(agentType string) Step {
	s.agentType = agentType
	return s
}

// WithConfig sets one config entry passed to the executor.
func (s Step) WithConfig(key string, value any) Step {
	s.config = types.CloneMap(s.config)
	if s.config == nil {
		s.config = make(map[string]any)
	}
	s.config[key] = value
	return s
}

// WithMetadata sets one metadata entry.
func (s Step) WithMetadata(key string, value any) Step {
	s.metadata = types.CloneMap(s.metadata)
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
	return s
}

// WithPriority orders the step ahead of lower-priority ready steps.
func (s Step) WithPriority(p int) Step {
	s.priority = p
	return s
}

// WithMaxRetries overrides the engine default retry budget.
func (s Step) WithMaxRetries(n int) Step {
	s.maxRetries = &n
	return s
}

func (s Step) definition() types.TaskDefinition {
	td := types.TaskDefinition{
		NodeID:    s.id,
		TaskType:  s.taskType,
		AgentType: s.agentType,
		Config:    types.CloneMap(s.config),
		Metadata:  types.CloneMap(s.metadata),
		Priority:  s.priority,
	}
	if s.maxRetries != nil {
		n := *s.maxRetries
		td.MaxRetries = &n
	}
	return td
}
