package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Resinat/streamguard/internal/buildinfo"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/state"
)

const defaultStateDir = "/var/lib/streamguard"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "streamguard",
		Short:         "Routes live-stream player traffic around ads through configured proxies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newSettingsCmd(), newVersionCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and the control API (configured via STREAMGUARD_* variables)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Current().String())
			return err
		},
	}
}

func newSettingsCmd() *cobra.Command {
	var stateDir string
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and edit the stored session settings offline",
	}
	cmd.PersistentFlags().StringVar(&stateDir, "state-dir", envOr("STREAMGUARD_STATE_DIR", defaultStateDir), "state directory")

	var output string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write the settings as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd.Context(), stateDir, func(ctx context.Context, m *settings.Manager) error {
				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				return settings.ExportYAML(w, m.Current().Config, time.Now())
			})
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")

	var input string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Replace the settings with a YAML export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var r io.Reader = cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			cfg, err := settings.ImportYAML(r)
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), stateDir, func(ctx context.Context, m *settings.Manager) error {
				snap, err := m.Update(ctx, cfg)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "settings imported as version %d\n", snap.Version)
				return err
			})
		},
	}
	imp.Flags().StringVarP(&input, "file", "f", "-", "input file, - for stdin")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Restore the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd.Context(), stateDir, func(ctx context.Context, m *settings.Manager) error {
				snap, err := m.Reset(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "settings reset to defaults as version %d\n", snap.Version)
				return err
			})
		},
	}

	cmd.AddCommand(export, imp, reset)
	return cmd
}

func withManager(ctx context.Context, stateDir string, fn func(context.Context, *settings.Manager) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	repo, closer, err := state.Bootstrap(stateDir)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	defer closer.Close()

	m, err := settings.NewManager(ctx, repo)
	if err != nil {
		return err
	}
	return fn(ctx, m)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
