package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/avi3tal/campaigngraph/internal/engine"
	"github.com/avi3tal/campaigngraph/internal/graph"
	"github.com/avi3tal/campaigngraph/internal/store"
	"github.com/avi3tal/campaigngraph/pkg/types"
	"github.com/avi3tal/campaigngraph/pkg/workflow"
)

var errInvalidGraph = errors.New("graph definition is not a valid DAG")

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <graph.yaml>",
		Short: "Check a graph definition for cycles and missing dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			res := graph.Validate(def)
			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.IsValid {
				return errInvalidGraph
			}
			return nil
		},
	}
}

func newPlanCmd() *cobra.Command {
	var parallelism int
	cmd := &cobra.Command{
		Use:   "plan <graph.yaml>",
		Short: "Print the graph and the dispatch waves a run would take",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			if err := graph.Check(def); err != nil {
				return err
			}
			g := graph.FromDefinition("plan", def)
			out := cmd.OutOrStdout()
			if err := g.Describe(out); err != nil {
				return err
			}
			waves, _ := g.Plan(parallelism)
			return graph.DescribePlan(out, waves)
		},
	}
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 4, "maximum concurrent tasks")
	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		campaignID  string
		parallelism int
	)
	cmd := &cobra.Command{
		Use:   "run <graph.yaml>",
		Short: "Run a graph in-process against the configured agents",
		Long: `run executes a graph definition in-process with an in-memory store. Tasks no
configured agent handles are completed by an echo agent. Events are logged as
they happen and the final summary is printed as JSON.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			def, err := workflow.LoadDefinition(args[0])
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cfg, true)
			if err != nil {
				return err
			}
			eng, err := engine.New(store.NewMemoryStore(), registry, engineOptions(cfg, logger)...)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := runGraph(ctx, eng, logger, campaignID, def, parallelism)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if summary.HasFailures {
				return fmt.Errorf("campaign %s: %d of %d nodes failed", campaignID, summary.Failed, summary.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&campaignID, "campaign", "local", "campaign ID for the run")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "maximum concurrent tasks (0 uses the configured default)")
	return cmd
}

// runGraph creates and runs one campaign, logging its events. Interrupting
// ctx cancels the run.
func runGraph(ctx context.Context, eng *engine.Engine, logger *slog.Logger, campaignID string,
	def types.TaskGraphDefinition, parallelism int) (types.ExecutionSummary, error) {
	if _, err := eng.CreateGraph(ctx, types.CreateGraphRequest{CampaignID: campaignID, Graph: def, Validate: true}); err != nil {
		return types.ExecutionSummary{}, err
	}

	events, unsubscribe := eng.Subscribe(campaignID)
	defer unsubscribe()
	go func() {
		for evt := range events {
			logger.Info(string(evt.Type),
				slog.String("node_id", evt.NodeID),
				slog.Int("attempt", evt.Attempt),
				slog.String("error", evt.Error))
		}
	}()

	if _, err := eng.StartExecution(ctx, types.StartExecutionRequest{CampaignID: campaignID, Parallelism: parallelism}); err != nil {
		return types.ExecutionSummary{}, err
	}
	summary, err := eng.Wait(ctx, campaignID)
	if err != nil && ctx.Err() != nil {
		res, cancelErr := eng.CancelExecution(context.Background(), types.CancelExecutionRequest{
			CampaignID: campaignID,
			Reason:     "interrupted",
		})
		if cancelErr != nil {
			return summary, errors.Join(err, cancelErr)
		}
		return res.Summary, err
	}
	return summary, err
}
