package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/avi3tal/campaigngraph/internal/config"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "campaignd",
		Short: "Run campaign task graphs",
		Long: `campaignd executes campaign task graphs: it validates the dependency DAG,
dispatches ready tasks to agents in parallel, retries failures with backoff,
and exposes the run over an HTTP API.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (CAMPAIGN_* variables override it)")

	root.AddCommand(
		newServeCmd(opts),
		newValidateCmd(),
		newPlanCmd(),
		newRunCmd(opts),
	)
	return root
}

// load reads the config and installs its logger as the slog default.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
