package types

import "time"

// GraphNode is one task within one campaign's execution graph.
type GraphNode struct {
	CampaignID string         `json:"campaign_id"`
	NodeID     string         `json:"node_id"`
	TaskType   string         `json:"task_type"`
	AgentType  string         `json:"agent_type,omitempty"` // empty when no specific executor is requested
	Config     map[string]any `json:"config,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Priority   int            `json:"priority,omitempty"`

	MaxRetries int `json:"max_retries"`
	RetryCount int `json:"retry_count"`
	Attempts   int `json:"attempts"`

	Status       NodeStatus     `json:"status"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ErrorKind    ErrorKind      `json:"error_kind,omitempty"`
	SkipReason   string         `json:"skip_reason,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	NotBefore    *time.Time     `json:"not_before,omitempty"`
}

// Clone returns a deep copy so snapshots never alias the coordinator's state.
func (n GraphNode) Clone() GraphNode {
	out := n
	out.Config = CloneMap(n.Config)
	out.Metadata = CloneMap(n.Metadata)
	out.Output = CloneMap(n.Output)
	if n.DependsOn != nil {
		out.DependsOn = append([]string(nil), n.DependsOn...)
	}
	out.StartedAt = cloneTime(n.StartedAt)
	out.CompletedAt = cloneTime(n.CompletedAt)
	out.NotBefore = cloneTime(n.NotBefore)
	return out
}

// TaskExecution is one attempt record for a node. It is immutable once
// CompletedAt is set.
type TaskExecution struct {
	ID            string          `json:"id"`
	CampaignID    string          `json:"campaign_id"`
	GraphNodeID   string          `json:"graph_node_id"`
	AttemptNumber int             `json:"attempt_number"`
	IsRetry       bool            `json:"is_retry"`
	Status        ExecutionStatus `json:"status"`
	Input         map[string]any  `json:"input,omitempty"`
	Output        map[string]any  `json:"output,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ErrorStack    string          `json:"error_stack,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
}

// Completed reports whether the attempt has been closed.
func (e TaskExecution) Completed() bool {
	return e.CompletedAt != nil
}

// ExecutionSummary is derived from a node set; it is never stored.
type ExecutionSummary struct {
	Total       int     `json:"total"`
	Pending     int     `json:"pending"`
	Running     int     `json:"running"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Blocked     int     `json:"blocked"`
	Skipped     int     `json:"skipped"`
	Progress    float64 `json:"progress"`
	IsComplete  bool    `json:"is_complete"`
	HasFailures bool    `json:"has_failures"`
}

// CloneMap deep-copies a JSON-shaped payload map.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
