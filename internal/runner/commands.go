package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/avi3tal/campaigngraph/pkg/types"
)

// Retry re-arms a terminally FAILED node. Descendants it blocked return to
// PENDING, and a FAILED run resumes with its previous configuration.
func (c *Coordinator) Retry(ctx context.Context, nodeID string, resetRetryCount bool) (types.RetryTaskResult, error) {
	var (
		result types.RetryTaskResult
		err    error
	)
	if cmdErr := c.do(ctx, func() {
		result, err = c.retry(nodeID, resetRetryCount)
	}); cmdErr != nil {
		return types.RetryTaskResult{}, cmdErr
	}
	return result, err
}

func (c *Coordinator) retry(nodeID string, reset bool) (types.RetryTaskResult, error) {
	if c.state == types.RunCancelled {
		return types.RetryTaskResult{}, ErrRunCancelled
	}
	if _, err := c.validate(); err != nil {
		return types.RetryTaskResult{}, err
	}
	prop, err := c.g.Rearm(nodeID, reset)
	if err != nil {
		return types.RetryTaskResult{}, err
	}
	node, _ := c.g.Node(nodeID)
	c.emit(types.GraphEvent{
		Type:    types.EventTaskRetrying,
		NodeID:  nodeID,
		Attempt: node.Attempts,
		Status:  types.StatusPending,
	})
	c.logger.Info("task re-armed by operator",
		slog.String("node_id", nodeID),
		slog.Bool("reset_retry_count", reset),
		slog.Int("released", prop.AffectedCount))
	c.resume()
	c.tick()
	return types.RetryTaskResult{Success: true, Propagation: prop}, nil
}

// Skip marks a PENDING or BLOCKED node SKIPPED so its dependents may run.
// Like every status change it requires a valid graph.
func (c *Coordinator) Skip(ctx context.Context, nodeID, reason string) (types.SkipTaskResult, error) {
	var (
		result types.SkipTaskResult
		err    error
	)
	if cmdErr := c.do(ctx, func() {
		result, err = c.skip(nodeID, reason)
	}); cmdErr != nil {
		return types.SkipTaskResult{}, cmdErr
	}
	return result, err
}

func (c *Coordinator) skip(nodeID, reason string) (types.SkipTaskResult, error) {
	if c.state == types.RunCancelled {
		return types.SkipTaskResult{}, ErrRunCancelled
	}
	if _, err := c.validate(); err != nil {
		return types.SkipTaskResult{}, err
	}
	prop, err := c.g.Skip(nodeID, reason, c.now())
	if err != nil {
		return types.SkipTaskResult{}, err
	}
	c.emit(types.GraphEvent{
		Type:   types.EventTaskSkipped,
		NodeID: nodeID,
		Status: types.StatusSkipped,
		Error:  reason,
	})
	c.logger.Info("task skipped by operator",
		slog.String("node_id", nodeID),
		slog.String("reason", reason),
		slog.Int("released", prop.AffectedCount))
	c.resume()
	c.tick()
	return types.SkipTaskResult{Success: true, Propagation: prop}, nil
}

// resume restarts a FAILED run when an operator action made work available.
func (c *Coordinator) resume() {
	if c.state != types.RunFailed || !c.g.HasSchedulable() {
		return
	}
	c.beginRun()
	c.logger.Info("campaign run resumed", slog.String("run_id", c.run.RunID))
}

// Cancel stops scheduling. PENDING and BLOCKED nodes become SKIPPED and
// in-flight attempts have their context cancelled; their results are still
// recorded but never retried.
func (c *Coordinator) Cancel(ctx context.Context, reason string) (types.CancelExecutionResult, error) {
	var (
		result types.CancelExecutionResult
		err    error
	)
	if cmdErr := c.do(ctx, func() {
		result, err = c.cancel(reason)
	}); cmdErr != nil {
		return types.CancelExecutionResult{}, cmdErr
	}
	return result, err
}

func (c *Coordinator) cancel(reason string) (types.CancelExecutionResult, error) {
	if c.state.Concluded() {
		return types.CancelExecutionResult{}, fmt.Errorf("%w: %s", ErrRunConcluded, c.state)
	}
	if _, err := c.validate(); err != nil {
		return types.CancelExecutionResult{}, err
	}
	if reason == "" {
		reason = "campaign cancelled"
	}
	now := c.now()
	wasRunning := c.state == types.RunRunning

	skipped := c.g.CancelPending(reason, now)
	inFlight := make([]string, 0, len(c.running))
	for id, inf := range c.running {
		inf.cancel()
		inFlight = append(inFlight, id)
	}
	if c.runCancel != nil {
		c.runCancel()
	}
	if !wasRunning && c.done == nil {
		c.done = make(chan struct{})
	}
	c.conclude(types.RunCancelled)

	for _, id := range skipped {
		c.emit(types.GraphEvent{
			Type:      types.EventTaskSkipped,
			NodeID:    id,
			Status:    types.StatusSkipped,
			Error:     reason,
			ErrorKind: types.ErrorKindCancelled,
		})
	}
	summary := c.g.Summary()
	c.emit(types.GraphEvent{Type: types.EventGraphCancelled, Error: reason, Summary: &summary})
	c.logger.Warn("campaign run cancelled",
		slog.String("run_id", c.run.RunID),
		slog.String("reason", reason),
		slog.Int("skipped", len(skipped)),
		slog.Int("in_flight", len(inFlight)))

	c.tick()
	sort.Strings(inFlight)
	return types.CancelExecutionResult{
		Cancelled:    true,
		SkippedNodes: skipped,
		InFlight:     inFlight,
		Summary:      summary,
	}, nil
}
