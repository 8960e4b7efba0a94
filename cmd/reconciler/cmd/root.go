// Package cmd holds the reconciler command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trade-reconciler/internal/config"
	"trade-reconciler/internal/logger"
)

// RootOptions are the flags shared by every command.
type RootOptions struct {
	ConfigPath string
	Output     string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &RootOptions{}

	root := &cobra.Command{
		Use:   "reconciler",
		Short: "Import exchange trade exports and reconcile buys against sells",
		Long: `Reconciler ingests BloFin order history exports, removes duplicate executions
and pairs buys with sells per asset in FIFO order.

Examples:
  reconciler ingest --owner 1 --wait exports/march.csv
  reconciler exposure --owner 1 --output json
  reconciler serve`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.Output {
			case "yaml", "json":
				return nil
			default:
				return fmt.Errorf("unsupported output %q: use yaml or json", opts.Output)
			}
		},
	}

	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "./configs", "directory holding config.yml")
	root.PersistentFlags().StringVarP(&opts.Output, "output", "o", "yaml", "output format: yaml or json")

	root.AddCommand(
		newServeCmd(opts),
		newIngestCmd(opts),
		newMatchCmd(opts),
		newCancelCmd(opts),
		newStatusCmd(opts),
		newExposureCmd(opts),
		newTradesCmd(opts),
		newDeleteCmd(opts),
		newRemoteCmd(opts),
	)
	return root
}

// Execute runs the command line with ctx.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// loadEnv reads configuration and builds the logger.
func loadEnv(opts *RootOptions) (config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("could not load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return cfg, nil, fmt.Errorf("could not initialize logger: %w", err)
	}
	return cfg, log, nil
}
