package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/internal/store"
	"github.com/avi3tal/campaigngraph/pkg/types"
)

// interruptedMessage is recorded on attempts abandoned by a previous process.
const interruptedMessage = "attempt interrupted by coordinator restart"

// Load rebuilds a coordinator from persisted state. Nodes left RUNNING by a
// previous process return to PENDING and their open attempt records are
// closed as FAILED with ErrorKindInterrupted. The recovered node IDs are
// returned for logging; whether the run itself was interrupted, including a
// crash while nodes waited out a retry backoff, is reported by Interrupted
// from the persisted run record.
func Load(ctx context.Context, campaignID string, st store.Store, executor types.Executor, opts ...Option) (*Coordinator, []string, error) {
	nodes, err := st.GetNodes(ctx, campaignID)
	if err != nil {
		return nil, nil, err
	}
	run, err := st.GetRun(ctx, campaignID)
	switch {
	case err == nil:
		opts = append([]Option{withRunRecord(run)}, opts...)
	case !errors.Is(err, store.ErrRunNotFound):
		return nil, nil, fmt.Errorf("load run record: %w", err)
	}
	g := graph.New(campaignID, nodes)
	recovered := g.Recover()

	if len(recovered) > 0 {
		if err := closeInterrupted(ctx, st, campaignID, recovered); err != nil {
			return nil, nil, err
		}
		if err := st.UpsertNodes(ctx, campaignID, g.TakeDirty()); err != nil {
			return nil, nil, fmt.Errorf("persist recovered nodes: %w", err)
		}
	}

	c, err := New(g, st, executor, opts...)
	if err != nil {
		return nil, nil, err
	}
	if len(recovered) > 0 {
		c.logger.Warn("recovered interrupted attempts", slog.Any("nodes", recovered))
	}
	return c, recovered, nil
}

func closeInterrupted(ctx context.Context, st store.Store, campaignID string, nodeIDs []string) error {
	for _, id := range nodeIDs {
		execs, err := st.ListExecutions(ctx, campaignID, id)
		if err != nil {
			return fmt.Errorf("list executions of %s: %w", id, err)
		}
		for _, exec := range execs {
			if exec.Completed() {
				continue
			}
			now := time.Now().UTC()
			if now.Before(exec.StartedAt) {
				now = exec.StartedAt
			}
			exec.Status = types.ExecutionFailed
			exec.ErrorMessage = interruptedMessage
			exec.ErrorKind = types.ErrorKindInterrupted
			exec.CompletedAt = &now
			exec.DurationMs = now.Sub(exec.StartedAt).Milliseconds()
			if err := st.CompleteExecution(ctx, exec); err != nil {
				return fmt.Errorf("close interrupted attempt of %s: %w", id, err)
			}
		}
	}
	return nil
}
