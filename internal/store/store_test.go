package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/avi3tal/campaigngraph/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testNodes(campaignID string) []types.GraphNode {
	return []types.GraphNode{
		{CampaignID: campaignID, NodeID: "b", TaskType: "write", DependsOn: []string{"a"}, MaxRetries: 2, Status: types.StatusPending},
		{CampaignID: campaignID, NodeID: "a", TaskType: "research", Config: map[string]any{"topic": "launch"}, MaxRetries: 1, Status: types.StatusPending},
	}
}

func openExec(campaignID, nodeID string, attempt int) types.TaskExecution {
	return types.TaskExecution{
		ID:            fmt.Sprintf("%s-%s-%d", campaignID, nodeID, attempt),
		CampaignID:    campaignID,
		GraphNodeID:   nodeID,
		AttemptNumber: attempt,
		IsRetry:       attempt > 1,
		Status:        types.ExecutionRunning,
		Input:         map[string]any{"attempt": "x"},
		StartedAt:     t0,
	}
}

func closed(e types.TaskExecution, status types.ExecutionStatus) types.TaskExecution {
	done := t0.Add(time.Second)
	e.Status = status
	e.CompletedAt = &done
	e.DurationMs = 1000
	return e
}

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateGraph(ctx, "c1", testNodes("c1")))

		nodes, err := s.GetNodes(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, nodes, 2)
		assert.Equal(t, "a", nodes[0].NodeID)
		assert.Equal(t, "launch", nodes[0].Config["topic"])
		assert.Equal(t, []string{"a"}, nodes[1].DependsOn)
		assert.Equal(t, types.StatusPending, nodes[1].Status)

		err = s.CreateGraph(ctx, "c1", testNodes("c1"))
		require.ErrorIs(t, err, ErrCampaignExists)

		_, err = s.GetNodes(ctx, "missing")
		require.ErrorIs(t, err, ErrCampaignNotFound)

		ids, err := s.ListCampaigns(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, "c1")
	})

	t.Run("UpsertIsAtomic", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateGraph(ctx, "c2", testNodes("c2")))

		nodes, err := s.GetNodes(ctx, "c2")
		require.NoError(t, err)
		started := t0
		nodes[0].Status = types.StatusRunning
		nodes[0].Attempts = 1
		nodes[0].StartedAt = &started
		require.NoError(t, s.UpsertNodes(ctx, "c2", nodes[:1]))

		got, err := s.GetNodes(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, got[0].Status)
		require.NotNil(t, got[0].StartedAt)
		assert.True(t, t0.Equal(*got[0].StartedAt))

		bad := []types.GraphNode{got[1], {CampaignID: "c2", NodeID: "ghost"}}
		bad[0].Status = types.StatusSkipped
		err = s.UpsertNodes(ctx, "c2", bad)
		require.ErrorIs(t, err, ErrNodeNotFound)

		got, err = s.GetNodes(ctx, "c2")
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, got[1].Status)

		err = s.UpsertNodes(ctx, "missing", got)
		require.ErrorIs(t, err, ErrCampaignNotFound)
	})

	t.Run("ExecutionHistory", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateGraph(ctx, "c3", testNodes("c3")))

		first := openExec("c3", "a", 1)
		require.NoError(t, s.AppendExecution(ctx, first))

		err := s.AppendExecution(ctx, openExec("c3", "a", 2))
		require.ErrorIs(t, err, ErrAttemptOrder)

		err = s.CompleteExecution(ctx, openExec("c3", "a", 1))
		require.ErrorIs(t, err, ErrIncompleteRecord)

		require.NoError(t, s.CompleteExecution(ctx, closed(first, types.ExecutionFailed)))
		err = s.CompleteExecution(ctx, closed(first, types.ExecutionCompleted))
		require.ErrorIs(t, err, ErrExecutionClosed)

		err = s.AppendExecution(ctx, openExec("c3", "a", 1))
		require.ErrorIs(t, err, ErrAttemptOrder)

		require.NoError(t, s.AppendExecution(ctx, openExec("c3", "a", 2)))
		require.NoError(t, s.AppendExecution(ctx, openExec("c3", "b", 1)))

		err = s.CompleteExecution(ctx, closed(openExec("c3", "a", 7), types.ExecutionCompleted))
		require.ErrorIs(t, err, ErrExecutionNotFound)

		err = s.AppendExecution(ctx, openExec("c3", "ghost", 1))
		require.ErrorIs(t, err, ErrNodeNotFound)

		history, err := s.ListExecutions(ctx, "c3", "a")
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 1, history[0].AttemptNumber)
		assert.Equal(t, types.ExecutionFailed, history[0].Status)
		assert.Equal(t, int64(1000), history[0].DurationMs)
		assert.False(t, history[0].IsRetry)
		assert.True(t, history[1].IsRetry)
		assert.False(t, history[1].Completed())

		all, err := s.ListExecutions(ctx, "c3", "")
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "b", all[2].GraphNodeID)
	})

	t.Run("RejectsDuplicateNodes", func(t *testing.T) {
		s := newStore(t)
		nodes := append(testNodes("c4"), testNodes("c4")[0])
		err := s.CreateGraph(ctx, "c4", nodes)
		require.ErrorIs(t, err, ErrDuplicateNode)

		_, err = s.GetNodes(ctx, "c4")
		require.ErrorIs(t, err, ErrCampaignNotFound)
	})

	t.Run("RunRecord", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateGraph(ctx, "c5", testNodes("c5")))

		_, err := s.GetRun(ctx, "c5")
		require.ErrorIs(t, err, ErrRunNotFound)

		run := types.RunRecord{
			CampaignID:  "c5",
			RunID:       "run-1",
			State:       types.RunRunning,
			Parallelism: 3,
			TaskTimeout: time.Minute,
			UpdatedAt:   t0,
		}
		require.NoError(t, s.SaveRun(ctx, run))

		run.State = types.RunFailed
		require.NoError(t, s.SaveRun(ctx, run))

		got, err := s.GetRun(ctx, "c5")
		require.NoError(t, err)
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, types.RunFailed, got.State)
		assert.Equal(t, 3, got.Parallelism)
		assert.Equal(t, time.Minute, got.TaskTimeout)
		assert.True(t, t0.Equal(got.UpdatedAt))

		err = s.SaveRun(ctx, types.RunRecord{CampaignID: "missing"})
		require.ErrorIs(t, err, ErrCampaignNotFound)
		_, err = s.GetRun(ctx, "missing")
		require.ErrorIs(t, err, ErrCampaignNotFound)
	})

	t.Run("ConcurrentCampaigns", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		for _, id := range []string{"p1", "p2", "p3", "p4"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				assert.NoError(t, s.CreateGraph(ctx, id, testNodes(id)))
				nodes, err := s.GetNodes(ctx, id)
				if !assert.NoError(t, err) {
					return
				}
				for i := range nodes {
					nodes[i].Status = types.StatusCompleted
				}
				assert.NoError(t, s.UpsertNodes(ctx, id, nodes))
			}(id)
		}
		wg.Wait()

		for _, id := range []string{"p1", "p2", "p3", "p4"} {
			nodes, err := s.GetNodes(ctx, id)
			require.NoError(t, err)
			for _, n := range nodes {
				assert.Equal(t, types.StatusCompleted, n.Status)
			}
		}
	})
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	runStoreSuite(t, func(t *testing.T) Store {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStoreClosed(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	require.NoError(t, s.Close())
	_, err := s.ListCampaigns(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.CreateGraph(context.Background(), "c", nil), ErrClosed)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateGraph(ctx, "c1", testNodes("c1")))

	nodes, err := s.GetNodes(ctx, "c1")
	require.NoError(t, err)
	nodes[0].Config["topic"] = "changed"

	again, err := s.GetNodes(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "launch", again[0].Config["topic"])
}
