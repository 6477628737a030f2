package types

import "time"

// RunConfig is the runtime configuration of one campaign run.
type RunConfig struct {
	RunID       string        // Unique identifier for this run
	Parallelism int           // Maximum number of RUNNING nodes at once
	TaskTimeout time.Duration // Per-attempt timeout; zero disables it
	DryRun      bool          // Compute the plan without dispatching
}

func (c *RunConfig) Clone() RunConfig {
	return RunConfig{
		RunID:       c.RunID,
		Parallelism: c.Parallelism,
		TaskTimeout: c.TaskTimeout,
		DryRun:      c.DryRun,
	}
}

// RunRecord is the persisted state of a campaign's latest run. It lets a
// restarted process resume a run that was interrupted mid-flight.
type RunRecord struct {
	CampaignID  string        `json:"campaign_id"`
	RunID       string        `json:"run_id"`
	State       RunState      `json:"state"`
	Parallelism int           `json:"parallelism"`
	TaskTimeout time.Duration `json:"task_timeout,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Config returns the run configuration the record was started with.
func (r RunRecord) Config() RunConfig {
	return RunConfig{
		RunID:       r.RunID,
		Parallelism: r.Parallelism,
		TaskTimeout: r.TaskTimeout,
	}
}
