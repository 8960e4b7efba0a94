package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"trade-reconciler/internal/client"
)

func newRemoteCmd(opts *RootOptions) *cobra.Command {
	var (
		baseURL string
		owner   uint
	)
	remote := &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running reconciler API",
		Long: `Run commands against the HTTP API of "reconciler serve" instead of the local
database. The address defaults to client.base_url from the configuration.`,
	}
	remote.PersistentFlags().StringVar(&baseURL, "url", "", "API base URL (overrides client.base_url)")
	remote.PersistentFlags().UintVar(&owner, "owner", 0, "owner id")

	newClient := func() (*client.Client, func(), error) {
		cfg, log, err := loadEnv(opts)
		if err != nil {
			return nil, nil, err
		}
		if baseURL != "" {
			cfg.Client.BaseURL = baseURL
		}
		return client.New(cfg.Client, log), func() { _ = log.Sync() }, nil
	}
	needOwner := func() error {
		if owner == 0 {
			return fmt.Errorf("--owner is required")
		}
		return nil
	}

	health := &cobra.Command{
		Use:   "health",
		Short: "Check that the API is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := newClient()
			if err != nil {
				return err
			}
			defer done()
			if err := c.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}

	var exchange string
	upload := &cobra.Command{
		Use:   "upload <file.csv>",
		Short: "Upload a CSV export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := needOwner(); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			c, done, err := newClient()
			if err != nil {
				return err
			}
			defer done()
			summary, err := c.Upload(cmd.Context(), owner, filepath.Base(args[0]), exchange, data)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, summary)
		},
	}
	upload.Flags().StringVar(&exchange, "exchange", "BloFin", "exchange the export comes from")

	var (
		asset string
		limit int
	)
	trades := &cobra.Command{
		Use:   "trades",
		Short: "List an owner's trades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := needOwner(); err != nil {
				return err
			}
			c, done, err := newClient()
			if err != nil {
				return err
			}
			defer done()
			rows, err := c.Trades(cmd.Context(), owner, asset, limit)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, rows)
		},
	}
	trades.Flags().StringVar(&asset, "asset", "", "only this asset")
	trades.Flags().IntVar(&limit, "limit", 0, "maximum rows")

	exposure := &cobra.Command{
		Use:   "exposure",
		Short: "Show per-asset exposure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := needOwner(); err != nil {
				return err
			}
			c, done, err := newClient()
			if err != nil {
				return err
			}
			defer done()
			rows, err := c.Exposure(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, rows)
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show matching watermarks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := needOwner(); err != nil {
				return err
			}
			c, done, err := newClient()
			if err != nil {
				return err
			}
			defer done()
			rows, err := c.Statuses(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, rows)
		},
	}

	var incremental bool
	match := &cobra.Command{
		Use:   "match",
		Short: "Start a matching run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := needOwner(); err != nil {
				return err
			}
			c, done, err := newClient()
			if err != nil {
				return err
			}
			defer done()
			run, err := c.Match(cmd.Context(), owner, incremental)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, run)
		},
	}
	match.Flags().BoolVar(&incremental, "incremental", false, "only assets with trades newer than their last pass")

	cancel := &cobra.Command{
		Use:   "cancel <file>",
		Short: "Cancel the matching run of an upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := needOwner(); err != nil {
				return err
			}
			c, done, err := newClient()
			if err != nil {
				return err
			}
			defer done()
			if err := c.Cancel(cmd.Context(), owner, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
			return nil
		},
	}

	deleteOwner := &cobra.Command{
		Use:   "delete",
		Short: "Delete every trade of an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := needOwner(); err != nil {
				return err
			}
			c, done, err := newClient()
			if err != nil {
				return err
			}
			defer done()
			n, err := c.DeleteOwner(cmd.Context(), owner)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.Output, map[string]int64{"deleted": n})
		},
	}

	remote.AddCommand(health, upload, trades, exposure, status, match, cancel, deleteOwner)
	return remote
}
