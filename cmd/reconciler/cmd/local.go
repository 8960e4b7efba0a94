package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"trade-reconciler/internal/format"
	"trade-reconciler/internal/models"
	"trade-reconciler/internal/orchestrator"
	"trade-reconciler/internal/reconciler"
	"trade-reconciler/internal/store"
)

func newIngestCmd(opts *RootOptions) *cobra.Command {
	var (
		owner uint
		wait  bool
	)
	cmd := &cobra.Command{
		Use:   "ingest <file.csv>...",
		Short: "Import CSV exports for an owner",
		Long: `Import one or more BloFin order history exports. New trades schedule a
matching run; with --wait the run is worked to completion before returning.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			summaries := make([]*reconciler.Summary, 0, len(args))
			for _, path := range args {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open %s: %w", path, err)
				}
				summary, err := a.svc.Upload(ctx, owner, filepath.Base(path), f)
				f.Close()
				if err != nil {
					return err
				}
				summaries = append(summaries, summary)
			}

			if wait {
				if err := a.queue.Drain(ctx); err != nil {
					return fmt.Errorf("failed to finish matching: %w", err)
				}
				a.log.Info("Matching finished", zap.Uint("owner_id", owner))
			}
			return render(cmd.OutOrStdout(), opts.Output, summaries)
		},
	}
	cmd.Flags().UintVar(&owner, "owner", 0, "owner id (required)")
	cmd.Flags().BoolVar(&wait, "wait", false, "work the matching queue until it is empty")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

type matchOutput struct {
	Run      *orchestrator.Run         `json:"run" yaml:"run"`
	Statuses []models.ProcessingStatus `json:"statuses,omitempty" yaml:"statuses,omitempty"`
}

func newMatchCmd(opts *RootOptions) *cobra.Command {
	var (
		owner       uint
		incremental bool
		wait        bool
	)
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Rematch an owner's assets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			req := orchestrator.Request{OwnerID: owner, Incremental: incremental}

			if !wait {
				run, err := a.orch.Start(ctx, req)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), opts.Output, matchOutput{Run: run})
			}
			run, statuses, err := a.orch.RunAndWait(ctx, req)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, matchOutput{Run: run, Statuses: statuses})
		},
	}
	cmd.Flags().UintVar(&owner, "owner", 0, "owner id (required)")
	cmd.Flags().BoolVar(&incremental, "incremental", false, "only assets with trades newer than their last pass")
	cmd.Flags().BoolVar(&wait, "wait", true, "work the matching queue until it is empty")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newCancelCmd(opts *RootOptions) *cobra.Command {
	var (
		owner uint
		file  string
	)
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Stop the matching run of an upload before its next asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.svc.Cancel(cmd.Context(), owner, file); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", file)
			return nil
		},
	}
	cmd.Flags().UintVar(&owner, "owner", 0, "owner id (required)")
	cmd.Flags().StringVar(&file, "file", "", "uploaded file name (required)")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

type statusOutput struct {
	Uploads  []models.FileUpload       `json:"uploads" yaml:"uploads"`
	Statuses []models.ProcessingStatus `json:"statuses" yaml:"statuses"`
}

func newStatusCmd(opts *RootOptions) *cobra.Command {
	var owner uint
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show uploads and matching watermarks of an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			uploads, err := a.svc.Uploads(ctx, owner)
			if err != nil {
				return err
			}
			statuses, err := a.svc.Statuses(ctx, owner)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, statusOutput{Uploads: uploads, Statuses: statuses})
		},
	}
	cmd.Flags().UintVar(&owner, "owner", 0, "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newExposureCmd(opts *RootOptions) *cobra.Command {
	var owner uint
	cmd := &cobra.Command{
		Use:   "exposure",
		Short: "Summarise open quantity and realised PnL per asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			rows, err := a.svc.Exposure(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, rows)
		},
	}
	cmd.Flags().UintVar(&owner, "owner", 0, "owner id (required)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newTradesCmd(opts *RootOptions) *cobra.Command {
	var (
		owner  uint
		filter store.TradeFilter
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List an owner's trades as displayed values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			trades, err := a.svc.Trades(cmd.Context(), owner, filter)
			if err != nil {
				return err
			}
			views := make([]format.TradeView, len(trades))
			for k, t := range trades {
				views[k] = format.Trade(t)
			}
			return render(cmd.OutOrStdout(), opts.Output, views)
		},
	}
	cmd.Flags().UintVar(&owner, "owner", 0, "owner id (required)")
	cmd.Flags().StringVar(&filter.Asset, "asset", "", "only this asset")
	cmd.Flags().StringVar(&filter.File, "file", "", "only trades from this file")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "maximum rows, 0 for all")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newDeleteCmd(opts *RootOptions) *cobra.Command {
	var (
		owner uint
		file  string
		all   bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete trades of an owner, of one file, or all of them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && owner == 0 {
				return errors.New("either --owner or --all is required")
			}
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			var n int64
			switch {
			case all:
				n, err = a.svc.DeleteAll(ctx)
			case file != "":
				n, err = a.svc.DeleteByFile(ctx, owner, file)
			default:
				n, err = a.svc.DeleteByOwner(ctx, owner)
			}
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, map[string]int64{"deleted": n})
		},
	}
	cmd.Flags().UintVar(&owner, "owner", 0, "owner id")
	cmd.Flags().StringVar(&file, "file", "", "only this uploaded file (needs --owner)")
	cmd.Flags().BoolVar(&all, "all", false, "delete every trade of every owner")
	cmd.MarkFlagsMutuallyExclusive("all", "owner")
	cmd.MarkFlagsMutuallyExclusive("all", "file")
	return cmd
}
