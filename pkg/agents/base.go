// Package agents provides task executors: in-process function agents, remote
// HTTP agents, an LLM agent, and a registry that routes each task to one of
// them by agent type.
package agents

import (
	"context"
	"time"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// Agent performs the work of one kind of task.
type Agent interface {
	Name() string
	Execute(ctx context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error)
	Metadata() map[string]any
}

// TaskFunc is the body of an in-process agent. A returned error fails the
// task; it is not treated as the agent being unavailable.
type TaskFunc func(ctx context.Context, tc types.TaskExecutionContext) (map[string]any, error)

// BaseAgent is a straightforward in-process function agent.
type BaseAgent struct {
	name     string
	fn       TaskFunc
	metadata map[string]any
}

// NewSimpleAgent helper to create an inline agent
func NewSimpleAgent(name string, fn TaskFunc, meta map[string]any) *BaseAgent {
	return &BaseAgent{name: name, fn: fn, metadata: meta}
}

func (a *BaseAgent) Name() string {
	return a.name
}

func (a *BaseAgent) Execute(ctx context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
	start := time.Now()
	out, err := a.fn(ctx, tc)
	res := types.TaskExecutionResult{
		NodeID:     tc.NodeID,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Status = types.ExecutionFailed
		res.Error = err.Error()
		return res, nil
	}
	res.Status = types.ExecutionCompleted
	res.Output = out
	return res, nil
}

func (a *BaseAgent) Metadata() map[string]any {
	return a.metadata
}
