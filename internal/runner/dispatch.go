package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

// outcome is an executor's answer for one attempt, sent back to the loop.
type outcome struct {
	nodeID   string
	attempt  int
	result   types.TaskExecutionResult
	err      error
	kind     types.ErrorKind
	finished time.Time
}

func (o outcome) failed() bool {
	return o.err != nil || o.result.Status != types.ExecutionCompleted
}

func (o outcome) message() string {
	if o.err != nil {
		return o.err.Error()
	}
	if o.result.Error != "" {
		return o.result.Error
	}
	if o.result.Status != types.ExecutionCompleted {
		return fmt.Sprintf("executor reported status %s", o.result.Status)
	}
	return ""
}

// dispatch starts one attempt: the node goes RUNNING, the attempt record is
// appended and persisted, then the executor is called asynchronously.
func (c *Coordinator) dispatch(task types.ExecutableTask, now time.Time) {
	attempt, err := c.g.MarkRunning(task.NodeID, now)
	if err != nil {
		c.logger.Error("cannot dispatch node", slog.String("node_id", task.NodeID), slog.String("error", err.Error()))
		return
	}
	node, _ := c.g.Node(task.NodeID)
	deps := c.g.DependencyOutputs(task.NodeID)

	exec := types.TaskExecution{
		ID:            uuid.NewString(),
		CampaignID:    c.campaignID,
		GraphNodeID:   task.NodeID,
		AttemptNumber: attempt,
		IsRetry:       attempt > 1,
		Status:        types.ExecutionRunning,
		Input:         executionInput(node, deps),
		StartedAt:     now,
	}

	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if c.run.TaskTimeout > 0 {
		taskCtx, cancel = context.WithTimeout(c.runCtx, c.run.TaskTimeout)
	} else {
		taskCtx, cancel = context.WithCancel(c.runCtx)
	}
	taskCtx, span := tracer.Start(taskCtx, "campaign.Task",
		trace.WithAttributes(
			attribute.String("campaign.id", c.campaignID),
			attribute.String("task.node_id", task.NodeID),
			attribute.String("task.type", node.TaskType),
			attribute.String("task.agent_type", node.AgentType),
			attribute.Int("task.attempt", attempt),
		),
	)
	c.running[task.NodeID] = &inflight{exec: exec, cancel: cancel, span: span}
	runningTasks.Inc()
	tasksDispatched.Inc()

	tc := types.TaskExecutionContext{
		CampaignID:        c.campaignID,
		NodeID:            task.NodeID,
		ExecutionID:       exec.ID,
		Attempt:           attempt,
		TaskType:          node.TaskType,
		AgentType:         node.AgentType,
		Config:            types.CloneMap(node.Config),
		Metadata:          types.CloneMap(node.Metadata),
		DependencyOutputs: deps,
	}

	ctx, cancelStore := c.storeCtx()
	appendErr := c.store.AppendExecution(ctx, exec)
	cancelStore()
	c.persist()

	c.emit(types.GraphEvent{
		Type:    types.EventTaskStarted,
		NodeID:  task.NodeID,
		Attempt: attempt,
		Status:  types.StatusRunning,
	})
	c.logger.Debug("task dispatched",
		slog.String("node_id", task.NodeID),
		slog.Int("attempt", attempt),
		slog.String("task_type", node.TaskType))

	c.wg.Add(1)
	if appendErr != nil {
		storeErrors.WithLabelValues("append_execution").Inc()
		c.logger.Error("failed to record attempt", slog.String("node_id", task.NodeID), slog.String("error", appendErr.Error()))
		go c.report(outcome{
			nodeID:   task.NodeID,
			attempt:  attempt,
			err:      fmt.Errorf("record attempt: %w", appendErr),
			kind:     types.ErrorKindInfrastructure,
			finished: c.now(),
		})
		return
	}
	go c.execute(taskCtx, tc, c.run.TaskTimeout)
}

func executionInput(node types.GraphNode, deps map[string]map[string]any) map[string]any {
	input := map[string]any{
		"task_type": node.TaskType,
	}
	if node.AgentType != "" {
		input["agent_type"] = node.AgentType
	}
	if len(node.Config) > 0 {
		input["config"] = types.CloneMap(node.Config)
	}
	if len(deps) > 0 {
		outs := make(map[string]any, len(deps))
		for id, out := range deps {
			outs[id] = types.CloneMap(out)
		}
		input["dependency_outputs"] = outs
	}
	return input
}

// execute calls the executor and classifies the answer. The timeout is
// enforced here even if the executor ignores its context. When the run is
// cancelled instead, the attempt is left to resolve and its real answer is
// recorded.
func (c *Coordinator) execute(ctx context.Context, tc types.TaskExecutionContext, timeout time.Duration) {
	type answer struct {
		result types.TaskExecutionResult
		err    error
	}
	answers := make(chan answer, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				answers <- answer{
					result: types.TaskExecutionResult{
						NodeID:     tc.NodeID,
						Status:     types.ExecutionFailed,
						ErrorStack: string(debug.Stack()),
					},
					err: fmt.Errorf("executor panicked: %v", r),
				}
			}
		}()
		res, err := c.executor.Execute(ctx, tc)
		answers <- answer{result: res, err: err}
	}()

	o := outcome{nodeID: tc.NodeID, attempt: tc.Attempt}
	select {
	case a := <-answers:
		o.result, o.err = a.result, a.err
	case <-ctx.Done():
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			select {
			case a := <-answers:
				o.result, o.err = a.result, a.err
			case <-c.stop:
			}
		}
	}
	o.finished = c.now()

	switch {
	case !o.failed():
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		o.kind = types.ErrorKindTimeout
		o.err = fmt.Errorf("task timed out after %s", timeout)
	case ctx.Err() != nil:
		o.kind = types.ErrorKindCancelled
		if o.err == nil && o.result.Error == "" {
			o.err = ctx.Err()
		}
	case o.err != nil:
		o.kind = types.ErrorKindInfrastructure
	default:
		o.kind = types.ErrorKindTask
	}
	c.report(o)
}

// report hands an outcome to the loop unless the coordinator is closing.
func (c *Coordinator) report(o outcome) {
	defer c.wg.Done()
	select {
	case c.results <- o:
	case <-c.stop:
	}
}

// handleOutcome closes the attempt record and routes the node through the
// retry policy and the propagator, then runs a scheduling pass.
func (c *Coordinator) handleOutcome(o outcome) {
	inf, ok := c.running[o.nodeID]
	if !ok || inf.exec.AttemptNumber != o.attempt {
		c.logger.Warn("ignoring result for an attempt that is not in flight",
			slog.String("node_id", o.nodeID), slog.Int("attempt", o.attempt))
		return
	}
	delete(c.running, o.nodeID)
	inf.cancel()
	runningTasks.Dec()

	exec := c.closeExecution(inf.exec, o)
	outcomeLabel := "completed"
	if o.failed() {
		outcomeLabel = "failed"
		inf.span.RecordError(errors.New(o.message()))
		inf.span.SetStatus(codes.Error, o.message())
	} else {
		inf.span.SetStatus(codes.Ok, "")
	}
	inf.span.End()
	taskDuration.WithLabelValues(outcomeLabel).Observe(float64(exec.DurationMs) / 1000)

	switch {
	case c.state == types.RunCancelled:
		c.settleCancelled(o)
	case !o.failed():
		c.complete(o)
	default:
		c.fail(o)
	}
	c.tick()
}

func (c *Coordinator) closeExecution(exec types.TaskExecution, o outcome) types.TaskExecution {
	finished := o.finished
	exec.CompletedAt = &finished
	exec.DurationMs = o.result.DurationMs
	if exec.DurationMs <= 0 {
		exec.DurationMs = finished.Sub(exec.StartedAt).Milliseconds()
	}
	exec.Output = types.CloneMap(o.result.Output)
	if o.failed() {
		exec.Status = types.ExecutionFailed
		exec.ErrorMessage = o.message()
		exec.ErrorStack = o.result.ErrorStack
		exec.ErrorKind = o.kind
	} else {
		exec.Status = types.ExecutionCompleted
	}
	c.unclosed = append(c.unclosed, exec)
	return exec
}

func (c *Coordinator) complete(o outcome) {
	res, err := c.g.Propagate(o.nodeID, types.StatusCompleted, graph.Outcome{
		Output: o.result.Output,
		At:     o.finished,
	})
	if err != nil {
		c.logger.Error("cannot complete node", slog.String("node_id", o.nodeID), slog.String("error", err.Error()))
		return
	}
	taskOutcomes.WithLabelValues("completed", "").Inc()
	c.emit(types.GraphEvent{
		Type:    types.EventTaskCompleted,
		NodeID:  o.nodeID,
		Attempt: o.attempt,
		Status:  res.NewStatus,
	})
	c.logger.Info("task completed",
		slog.String("node_id", o.nodeID),
		slog.Int("attempt", o.attempt),
		slog.Int("dependents", len(res.DownstreamNodes)))
}

func (c *Coordinator) fail(o outcome) {
	node, _ := c.g.Node(o.nodeID)
	decision := c.policy.Decide(node, o.kind)
	if decision.Retry {
		wake := o.finished.Add(decision.Delay)
		if err := c.g.ScheduleRetry(o.nodeID, wake, o.message(), o.kind); err != nil {
			c.logger.Error("cannot schedule retry", slog.String("node_id", o.nodeID), slog.String("error", err.Error()))
			return
		}
		taskOutcomes.WithLabelValues("retrying", string(o.kind)).Inc()
		c.emit(types.GraphEvent{
			Type:      types.EventTaskRetrying,
			NodeID:    o.nodeID,
			Attempt:   o.attempt,
			Status:    types.StatusPending,
			Error:     o.message(),
			ErrorKind: o.kind,
			DelayMs:   decision.DelayMs,
		})
		c.logger.Warn("task failed, retrying",
			slog.String("node_id", o.nodeID),
			slog.Int("attempt", o.attempt),
			slog.String("kind", string(o.kind)),
			slog.Int64("delay_ms", decision.DelayMs),
			slog.String("error", o.message()))
		return
	}

	res, err := c.g.Propagate(o.nodeID, types.StatusFailed, graph.Outcome{
		Error: o.message(),
		Kind:  o.kind,
		At:    o.finished,
	})
	if err != nil {
		c.logger.Error("cannot fail node", slog.String("node_id", o.nodeID), slog.String("error", err.Error()))
		return
	}
	taskOutcomes.WithLabelValues("failed", string(o.kind)).Inc()
	c.emit(types.GraphEvent{
		Type:      types.EventTaskFailed,
		NodeID:    o.nodeID,
		Attempt:   o.attempt,
		Status:    types.StatusFailed,
		Error:     o.message(),
		ErrorKind: o.kind,
	})
	c.logger.Error("task failed",
		slog.String("node_id", o.nodeID),
		slog.Int("attempt", o.attempt),
		slog.String("kind", string(o.kind)),
		slog.Int("blocked", res.AffectedCount),
		slog.String("error", o.message()))
}

// settleCancelled records the final status of an attempt that was in flight
// when the run was cancelled. It never retries or unblocks anything.
func (c *Coordinator) settleCancelled(o outcome) {
	taskOutcomes.WithLabelValues("ignored", string(o.kind)).Inc()
	var err error
	if o.failed() {
		_, err = c.g.Propagate(o.nodeID, types.StatusFailed, graph.Outcome{
			Error: o.message(),
			Kind:  o.kind,
			At:    o.finished,
		})
	} else {
		_, err = c.g.Propagate(o.nodeID, types.StatusCompleted, graph.Outcome{
			Output: o.result.Output,
			At:     o.finished,
		})
	}
	if err != nil {
		c.logger.Error("cannot settle cancelled attempt", slog.String("node_id", o.nodeID), slog.String("error", err.Error()))
		return
	}
	c.logger.Info("attempt resolved after cancellation",
		slog.String("node_id", o.nodeID),
		slog.Int("attempt", o.attempt),
		slog.Bool("failed", o.failed()))
}
