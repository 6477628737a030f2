package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/avi3tal/campaigngraph/internal/events"
	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/internal/retry"
	"github.com/avi3tal/campaigngraph/internal/runner"
	"github.com/avi3tal/campaigngraph/internal/store"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func zero() *int { n := 0; return &n }

func launchGraph() types.TaskGraphDefinition {
	return types.TaskGraphDefinition{Nodes: []types.TaskDefinition{
		{NodeID: "research", TaskType: "research", MaxRetries: zero()},
		{NodeID: "draft", TaskType: "write", DependsOn: []string{"research"}, MaxRetries: zero()},
		{NodeID: "pitch", TaskType: "outreach", DependsOn: []string{"draft"}, MaxRetries: zero()},
	}}
}

var ok = types.ExecutorFunc(func(_ context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
	return types.TaskExecutionResult{NodeID: tc.NodeID, Status: types.ExecutionCompleted, Output: map[string]any{"done": true}}, nil
})

func newEngine(t *testing.T, st store.Store, exec types.Executor, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{
		WithRunnerOptions(runner.WithRetryPolicy(retry.NewPolicy().WithInitialDelay(time.Millisecond))),
	}, opts...)
	e, err := New(st, exec, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()
	_, err := New(nil, ok)
	assert.Error(t, err)
	_, err = New(store.NewMemoryStore(), nil)
	assert.ErrorIs(t, err, runner.ErrNoExecutor)
}

func TestCreateGraph(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid graph", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, store.NewMemoryStore(), ok)

		res, err := e.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c1", Graph: launchGraph(), Validate: true})
		require.NoError(t, err)
		assert.Equal(t, 3, res.NodesCreated)
		assert.True(t, res.Validation.IsValid)
		require.Len(t, res.Graph, 3)
		for _, n := range res.Graph {
			assert.Equal(t, types.StatusPending, n.Status)
			assert.Equal(t, "c1", n.CampaignID)
		}

		_, err = e.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c1", Graph: launchGraph()})
		assert.ErrorIs(t, err, store.ErrCampaignExists)
	})

	t.Run("rejects cycle when validating", func(t *testing.T) {
		t.Parallel()
		st := store.NewMemoryStore()
		e := newEngine(t, st, ok)

		cyclic := types.TaskGraphDefinition{Nodes: []types.TaskDefinition{
			{NodeID: "a", TaskType: "t", DependsOn: []string{"b"}},
			{NodeID: "b", TaskType: "t", DependsOn: []string{"a"}},
		}}
		res, err := e.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c2", Graph: cyclic, Validate: true})
		assert.ErrorIs(t, err, ErrInvalidGraph)
		assert.ErrorIs(t, err, graph.ErrCyclicDependency)
		assert.True(t, res.Validation.HasCycles)

		_, err = st.GetNodes(ctx, "c2")
		assert.ErrorIs(t, err, store.ErrCampaignNotFound)
	})

	t.Run("stores invalid graph without validation", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, store.NewMemoryStore(), ok)

		dangling := types.TaskGraphDefinition{Nodes: []types.TaskDefinition{
			{NodeID: "a", TaskType: "t", DependsOn: []string{"ghost"}},
		}}
		res, err := e.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c3", Graph: dangling})
		require.NoError(t, err)
		assert.False(t, res.Validation.IsValid)

		_, err = e.StartExecution(ctx, types.StartExecutionRequest{CampaignID: "c3"})
		assert.ErrorIs(t, err, runner.ErrInvalidGraph)
		for _, n := range mustNodes(t, e, "c3") {
			assert.Equal(t, types.StatusPending, n.Status)
		}
	})

	t.Run("rejects repeated node ids without validation", func(t *testing.T) {
		t.Parallel()
		st := store.NewMemoryStore()
		e := newEngine(t, st, ok)

		repeated := types.TaskGraphDefinition{Nodes: []types.TaskDefinition{
			{NodeID: "a", TaskType: "research"},
			{NodeID: "a", TaskType: "write"},
		}}
		res, err := e.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c4", Graph: repeated})
		assert.ErrorIs(t, err, ErrInvalidGraph)
		assert.ErrorIs(t, err, graph.ErrDuplicateNode)
		assert.False(t, res.Validation.IsValid)

		_, err = st.GetNodes(ctx, "c4")
		assert.ErrorIs(t, err, store.ErrCampaignNotFound)
		_, err = e.StartExecution(ctx, types.StartExecutionRequest{CampaignID: "c4"})
		assert.ErrorIs(t, err, store.ErrCampaignNotFound)
	})

	t.Run("requires campaign id", func(t *testing.T) {
		t.Parallel()
		e := newEngine(t, store.NewMemoryStore(), ok)
		_, err := e.CreateGraph(ctx, types.CreateGraphRequest{Graph: launchGraph()})
		assert.ErrorIs(t, err, ErrMissingCampaignID)
	})
}

func mustNodes(t *testing.T, e *Engine, campaignID string) []types.GraphNode {
	t.Helper()
	nodes, err := e.Nodes(context.Background(), campaignID)
	require.NoError(t, err)
	return nodes
}

func TestRunToCompletion(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := &events.Recorder{}
	e := newEngine(t, store.NewMemoryStore(), ok, WithPublisher(rec))
	_, err := e.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c1", Graph: launchGraph(), Validate: true})
	require.NoError(t, err)

	sub, unsubscribe := e.Subscribe("c1")
	defer unsubscribe()

	res, err := e.StartExecution(ctx, types.StartExecutionRequest{CampaignID: "c1", Parallelism: 2})
	require.NoError(t, err)
	assert.True(t, res.Started)
	require.Len(t, res.ExecutableTasks, 1)
	assert.Equal(t, "research", res.ExecutableTasks[0].NodeID)

	summary, err := e.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)
	assert.True(t, summary.IsComplete)

	var last types.GraphEvent
	for evt := range sub {
		last = evt
		if evt.Type == types.EventGraphCompleted {
			break
		}
	}
	assert.Equal(t, types.EventGraphCompleted, last.Type)
	assert.Equal(t, "c1", last.CampaignID)
	assert.NotEmpty(t, last.ID)
	assert.Contains(t, rec.Types(), types.EventGraphCompleted)

	execs, err := e.Executions(ctx, "c1", "")
	require.NoError(t, err)
	assert.Len(t, execs, 3)

	ready, err := e.Ready(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestOperatorActions(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exec := types.ExecutorFunc(func(ctx context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
		if tc.NodeID == "draft" {
			return types.TaskExecutionResult{NodeID: tc.NodeID, Status: types.ExecutionFailed, Error: "tone check failed"}, nil
		}
		return ok(ctx, tc)
	})
	e := newEngine(t, store.NewMemoryStore(), exec)
	_, err := e.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c1", Graph: launchGraph(), Validate: true})
	require.NoError(t, err)

	_, err = e.StartExecution(ctx, types.StartExecutionRequest{CampaignID: "c1"})
	require.NoError(t, err)
	summary, err := e.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, summary.HasFailures)
	assert.Equal(t, 1, summary.Blocked)

	pitch, err := e.Node(ctx, "c1", "pitch")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, pitch.Status)

	_, err = e.SkipTask(ctx, types.SkipTaskRequest{CampaignID: "c1", NodeID: "draft"})
	assert.ErrorIs(t, err, graph.ErrNotSkippable)

	_, err = e.RetryTask(ctx, types.RetryTaskRequest{CampaignID: "c1", NodeID: "research"})
	assert.ErrorIs(t, err, graph.ErrNotFailed)

	res, err := e.SkipTask(ctx, types.SkipTaskRequest{CampaignID: "c1", NodeID: "pitch", Reason: "manual outreach"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	summary, err = e.Summary(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, summary.IsComplete)
	assert.Equal(t, 1, summary.Skipped)

	_, err = e.Node(ctx, "c1", "nope")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
	_, err = e.Executions(ctx, "c1", "nope")
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestCancelExecution(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exec := types.ExecutorFunc(func(ctx context.Context, _ types.TaskExecutionContext) (types.TaskExecutionResult, error) {
		<-ctx.Done()
		return types.TaskExecutionResult{}, ctx.Err()
	})
	e := newEngine(t, store.NewMemoryStore(), exec)
	_, err := e.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c1", Graph: launchGraph()})
	require.NoError(t, err)
	_, err = e.StartExecution(ctx, types.StartExecutionRequest{CampaignID: "c1"})
	require.NoError(t, err)

	res, err := e.CancelExecution(ctx, types.CancelExecutionRequest{CampaignID: "c1", Reason: "client paused campaign"})
	require.NoError(t, err)
	assert.Equal(t, []string{"draft", "pitch"}, res.SkippedNodes)
	assert.Equal(t, []string{"research"}, res.InFlight)

	summary, err := e.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)

	_, err = e.CancelExecution(ctx, types.CancelExecutionRequest{CampaignID: "c1"})
	assert.ErrorIs(t, err, runner.ErrRunConcluded)
}

func TestUnknownCampaign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEngine(t, store.NewMemoryStore(), ok)

	_, err := e.StartExecution(ctx, types.StartExecutionRequest{CampaignID: "missing"})
	assert.ErrorIs(t, err, store.ErrCampaignNotFound)
	_, err = e.Summary(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrCampaignNotFound)
	_, err = e.Summary(ctx, "")
	assert.ErrorIs(t, err, ErrMissingCampaignID)
}

func TestLoadsFromSharedStore(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := store.NewMemoryStore()

	first, err := New(st, ok)
	require.NoError(t, err)
	_, err = first.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c1", Graph: launchGraph()})
	require.NoError(t, err)
	first.Close()

	second := newEngine(t, st, ok)
	ids, err := second.Campaigns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)

	_, err = second.StartExecution(ctx, types.StartExecutionRequest{CampaignID: "c1"})
	require.NoError(t, err)
	summary, err := second.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)
}

func TestWaitAfterReloadOfConcludedRun(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := store.NewMemoryStore()

	first, err := New(st, ok)
	require.NoError(t, err)
	_, err = first.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: "c1", Graph: launchGraph(), Validate: true})
	require.NoError(t, err)
	_, err = first.StartExecution(ctx, types.StartExecutionRequest{CampaignID: "c1", Parallelism: 2})
	require.NoError(t, err)
	_, err = first.Wait(ctx, "c1")
	require.NoError(t, err)
	first.Close()

	second := newEngine(t, st, ok)
	summary, err := second.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)
	assert.True(t, summary.IsComplete)

	snap, err := second.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, snap.State)
	assert.Equal(t, 2, snap.Parallelism)
}

func TestRecoverResumesInterruptedRuns(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := store.NewMemoryStore()

	nodes := graph.NodesFromDefinition("c1", launchGraph())
	started := time.Now().UTC()
	nodes[0].Status = types.StatusRunning
	nodes[0].Attempts = 1
	nodes[0].StartedAt = &started
	require.NoError(t, st.CreateGraph(ctx, "c1", nodes))
	require.NoError(t, st.AppendExecution(ctx, types.TaskExecution{
		ID: "e1", CampaignID: "c1", GraphNodeID: "research", AttemptNumber: 1,
		Status: types.ExecutionRunning, StartedAt: started,
	}))
	require.NoError(t, st.SaveRun(ctx, types.RunRecord{
		CampaignID: "c1", RunID: "run-7", State: types.RunRunning, Parallelism: 2, UpdatedAt: started,
	}))

	var calls atomic.Int32
	exec := types.ExecutorFunc(func(ctx context.Context, tc types.TaskExecutionContext) (types.TaskExecutionResult, error) {
		calls.Add(1)
		return ok(ctx, tc)
	})
	e := newEngine(t, st, exec, WithResumeRecovered(true))

	n, err := e.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	summary, err := e.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)
	assert.Equal(t, int32(3), calls.Load())

	execs, err := e.Executions(ctx, "c1", "research")
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, types.ErrorKindInterrupted, execs[0].ErrorKind)

	snap, err := e.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "run-7", snap.RunID)
	assert.Equal(t, 2, snap.Parallelism)

	run, err := st.GetRun(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.RunCompleted, run.State)
}

func TestRecoverResumesRunInBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := store.NewMemoryStore()

	nodes := graph.NodesFromDefinition("c1", launchGraph())
	failedAt := time.Now().UTC().Add(-time.Second)
	wake := failedAt.Add(10 * time.Millisecond)
	nodes[0].MaxRetries = 2
	nodes[0].Attempts = 1
	nodes[0].RetryCount = 1
	nodes[0].NotBefore = &wake
	nodes[0].ErrorMessage = "rate limited"
	nodes[0].ErrorKind = types.ErrorKindTask
	require.NoError(t, st.CreateGraph(ctx, "c1", nodes))
	closedAt := failedAt
	require.NoError(t, st.AppendExecution(ctx, types.TaskExecution{
		ID: "e1", CampaignID: "c1", GraphNodeID: "research", AttemptNumber: 1,
		Status: types.ExecutionRunning, StartedAt: failedAt.Add(-time.Second),
	}))
	require.NoError(t, st.CompleteExecution(ctx, types.TaskExecution{
		ID: "e1", CampaignID: "c1", GraphNodeID: "research", AttemptNumber: 1,
		Status: types.ExecutionFailed, ErrorKind: types.ErrorKindTask, ErrorMessage: "rate limited",
		StartedAt: failedAt.Add(-time.Second), CompletedAt: &closedAt,
	}))
	require.NoError(t, st.SaveRun(ctx, types.RunRecord{
		CampaignID: "c1", RunID: "run-8", State: types.RunRunning, Parallelism: 1, UpdatedAt: failedAt,
	}))

	e := newEngine(t, st, ok, WithResumeRecovered(true))
	_, err := e.Recover(ctx)
	require.NoError(t, err)

	summary, err := e.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)

	execs, err := e.Executions(ctx, "c1", "research")
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.True(t, execs[1].IsRetry)
}

func TestRecoverWithoutResumeLeavesRunIdle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateGraph(ctx, "c1", graph.NodesFromDefinition("c1", launchGraph())))
	require.NoError(t, st.SaveRun(ctx, types.RunRecord{CampaignID: "c1", RunID: "run-9", State: types.RunRunning, Parallelism: 1}))

	e := newEngine(t, st, ok)
	snap, err := e.Snapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.RunNotStarted, snap.State)
	assert.Equal(t, 3, snap.Summary.Pending)
}

// slowStore holds GetNodes for one campaign until released.
type slowStore struct {
	*store.MemoryStore
	slow    string
	release chan struct{}
}

func (s *slowStore) GetNodes(ctx context.Context, campaignID string) ([]types.GraphNode, error) {
	if campaignID == s.slow {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.MemoryStore.GetNodes(ctx, campaignID)
}

func TestLoadsDoNotBlockOtherCampaigns(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st := &slowStore{MemoryStore: store.NewMemoryStore(), slow: "slow", release: make(chan struct{})}
	for _, id := range []string{"slow", "fast"} {
		require.NoError(t, st.CreateGraph(ctx, id, graph.NodesFromDefinition(id, launchGraph())))
	}
	e := newEngine(t, st, ok)

	loaded := make(chan *runner.Snapshot, 2)
	for i := 0; i < 2; i++ {
		go func() {
			snap, err := e.Snapshot(ctx, "slow")
			assert.NoError(t, err)
			loaded <- snap
		}()
	}

	summary, err := e.Summary(ctx, "fast")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Pending)

	close(st.release)
	first, second := <-loaded, <-loaded
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, "slow", first.CampaignID)

	e.mu.Lock()
	assert.Len(t, e.campaigns, 2)
	e.mu.Unlock()
}

func TestClosedEngine(t *testing.T) {
	t.Parallel()
	e, err := New(store.NewMemoryStore(), ok)
	require.NoError(t, err)
	e.Close()
	e.Close()

	_, err = e.CreateGraph(context.Background(), types.CreateGraphRequest{CampaignID: "c1", Graph: launchGraph()})
	assert.True(t, errors.Is(err, ErrClosed))
}
