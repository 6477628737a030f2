package types

import (
	"context"
	"time"
)

// TaskDefinition describes one node of a graph as submitted by a caller.
type TaskDefinition struct {
	NodeID     string         `json:"node_id" yaml:"node_id"`
	TaskType   string         `json:"task_type" yaml:"task_type" binding:"required"`
	AgentType  string         `json:"agent_type,omitempty" yaml:"agent_type,omitempty"`
	Config     map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Priority   int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxRetries *int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"` // nil selects the engine default
}

// TaskGraphDefinition is the node list of a campaign's graph.
type TaskGraphDefinition struct {
	Nodes []TaskDefinition `json:"nodes" yaml:"nodes" binding:"required,dive"`
}

// MissingDependency records a dependsOn entry that names no node.
type MissingDependency struct {
	NodeID    string `json:"node_id"`
	DependsOn string `json:"depends_on"`
}

// DAGValidationResult is the outcome of structural validation.
type DAGValidationResult struct {
	IsValid             bool                `json:"is_valid"`
	HasCycles           bool                `json:"has_cycles"`
	Cycles              [][]string          `json:"cycles,omitempty"`
	UnreachableNodes    []string            `json:"unreachable_nodes,omitempty"`
	MissingDependencies []MissingDependency `json:"missing_dependencies,omitempty"`
	Errors              []string            `json:"errors,omitempty"`
}

// ExecutableTask is a node the resolver reports as ready to dispatch.
type ExecutableTask struct {
	NodeID    string `json:"node_id"`
	TaskType  string `json:"task_type"`
	AgentType string `json:"agent_type,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	Attempt   int    `json:"attempt"`
}

// StatusPropagationResult reports the downstream effect of a status change.
type StatusPropagationResult struct {
	NodeID          string     `json:"node_id"`
	NewStatus       NodeStatus `json:"new_status"`
	AffectedCount   int        `json:"affected_count"`
	DownstreamNodes []string   `json:"downstream_nodes,omitempty"`
}

// CreateGraphRequest submits a graph for a campaign.
type CreateGraphRequest struct {
	CampaignID string              `json:"campaign_id"`
	Graph      TaskGraphDefinition `json:"graph" binding:"required"`
	Validate   bool                `json:"validate"`
}

// CreateGraphResult is returned after a graph is persisted.
type CreateGraphResult struct {
	NodesCreated int                 `json:"nodes_created"`
	Validation   DAGValidationResult `json:"validation"`
	Graph        []GraphNode         `json:"graph"`
}

// StartExecutionRequest starts (or previews) a campaign run. Zero Parallelism
// selects the engine default.
type StartExecutionRequest struct {
	CampaignID  string `json:"campaign_id"`
	Parallelism int    `json:"parallelism,omitempty" binding:"omitempty,min=1"`
	DryRun      bool   `json:"dry_run,omitempty"`
}

// StartExecutionResult reports the first scheduling pass of a run. For a dry
// run Plan lists the dispatch waves and Summary is the would-be final summary.
type StartExecutionResult struct {
	Started         bool                 `json:"started"`
	RunID           string               `json:"run_id,omitempty"`
	ExecutableTasks []ExecutableTask     `json:"executable_tasks"`
	Summary         ExecutionSummary     `json:"summary"`
	Plan            [][]string           `json:"plan,omitempty"`
	Validation      *DAGValidationResult `json:"validation,omitempty"`
}

// RetryTaskRequest re-arms a terminally FAILED node.
type RetryTaskRequest struct {
	CampaignID      string `json:"campaign_id"`
	NodeID          string `json:"node_id"`
	ResetRetryCount bool   `json:"reset_retry_count,omitempty"`
}

// RetryTaskResult reports the nodes released by a retry.
type RetryTaskResult struct {
	Success     bool                    `json:"success"`
	Propagation StatusPropagationResult `json:"propagation"`
}

// SkipTaskRequest marks a PENDING or BLOCKED node as SKIPPED.
type SkipTaskRequest struct {
	CampaignID string `json:"campaign_id"`
	NodeID     string `json:"node_id"`
	Reason     string `json:"reason,omitempty"`
}

// SkipTaskResult reports the effect of a skip.
type SkipTaskResult struct {
	Success     bool                    `json:"success"`
	Propagation StatusPropagationResult `json:"propagation"`
}

// CancelExecutionRequest stops scheduling for a campaign run.
type CancelExecutionRequest struct {
	CampaignID string `json:"campaign_id"`
	Reason     string `json:"reason,omitempty"`
}

// CancelExecutionResult reports how many nodes were skipped by a cancel.
type CancelExecutionResult struct {
	Cancelled    bool             `json:"cancelled"`
	SkippedNodes []string         `json:"skipped_nodes,omitempty"`
	InFlight     []string         `json:"in_flight,omitempty"`
	Summary      ExecutionSummary `json:"summary"`
}

// TaskExecutionContext is handed to an Executor for one attempt.
type TaskExecutionContext struct {
	CampaignID        string                    `json:"campaign_id"`
	NodeID            string                    `json:"node_id"`
	ExecutionID       string                    `json:"execution_id"`
	Attempt           int                       `json:"attempt"`
	TaskType          string                    `json:"task_type"`
	AgentType         string                    `json:"agent_type,omitempty"`
	Config            map[string]any            `json:"config,omitempty"`
	Metadata          map[string]any            `json:"metadata,omitempty"`
	DependencyOutputs map[string]map[string]any `json:"dependency_outputs,omitempty"`
}

// TaskExecutionResult is what an Executor reports for one attempt.
type TaskExecutionResult struct {
	NodeID     string          `json:"node_id"`
	Status     ExecutionStatus `json:"status"`
	Output     map[string]any  `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorStack string          `json:"error_stack,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// Executor performs the work of a task. A returned error means the executor
// itself was unavailable; a result with ExecutionFailed means the task logic
// failed. Implementations must honour ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, tc TaskExecutionContext) (TaskExecutionResult, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, tc TaskExecutionContext) (TaskExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, tc TaskExecutionContext) (TaskExecutionResult, error) {
	return f(ctx, tc)
}

// EventType names an observability event.
type EventType string

const (
	EventTaskStarted    EventType = "task-started"
	EventTaskCompleted  EventType = "task-completed"
	EventTaskFailed     EventType = "task-failed"
	EventTaskRetrying   EventType = "task-retrying"
	EventTaskSkipped    EventType = "task-skipped"
	EventGraphCompleted EventType = "graph-completed"
	EventGraphFailed    EventType = "graph-failed"
	EventGraphCancelled EventType = "graph-cancelled"
)

// GraphEvent is published for dashboards and telemetry.
type GraphEvent struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	CampaignID string            `json:"campaign_id"`
	NodeID     string            `json:"node_id,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	Status     NodeStatus        `json:"status,omitempty"`
	Error      string            `json:"error,omitempty"`
	ErrorKind  ErrorKind         `json:"error_kind,omitempty"`
	DelayMs    int64             `json:"delay_ms,omitempty"`
	Summary    *ExecutionSummary `json:"summary,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
