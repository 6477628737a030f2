package api

import (
	"time"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code,omitempty"`
}

// CreateGraphBody is the body of POST /campaigns/:campaignId/graph.
type CreateGraphBody struct {
	Graph    types.TaskGraphDefinition `json:"graph" binding:"required"`
	Validate *bool                     `json:"validate"` // defaults to true
}

// StartBody is the optional body of POST /campaigns/:campaignId/start.
type StartBody struct {
	Parallelism int  `json:"parallelism" binding:"omitempty,min=1"`
	DryRun      bool `json:"dry_run"`
}

// RetryBody is the optional body of POST .../nodes/:nodeId/retry.
type RetryBody struct {
	ResetRetryCount bool `json:"reset_retry_count"`
}

// ReasonBody carries an operator-supplied reason for skip and cancel.
type ReasonBody struct {
	Reason string `json:"reason" binding:"max=512"`
}

// GraphResponse describes a campaign's stored graph and run state.
type GraphResponse struct {
	CampaignID  string                 `json:"campaign_id"`
	RunID       string                 `json:"run_id,omitempty"`
	State       types.RunState         `json:"state"`
	Parallelism int                    `json:"parallelism,omitempty"`
	InFlight    int                    `json:"in_flight"`
	Nodes       []types.GraphNode      `json:"nodes"`
	Summary     types.ExecutionSummary `json:"summary"`
	UpdatedAt   time.Time              `json:"updated_at"`

	PersistError string `json:"persist_error,omitempty"`
}

// ReadyResponse lists the tasks that would be dispatched next.
type ReadyResponse struct {
	CampaignID string                 `json:"campaign_id"`
	Tasks      []types.ExecutableTask `json:"tasks"`
}

// ExecutionsResponse lists attempt records.
type ExecutionsResponse struct {
	CampaignID string                `json:"campaign_id"`
	Executions []types.TaskExecution `json:"executions"`
}

// CampaignsResponse lists stored campaign IDs.
type CampaignsResponse struct {
	Campaigns []string `json:"campaigns"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
