// Package main provides the entry point for the threatgraph server.
// It serves the threat intelligence graph over HTTP and bridges it to Kafka.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/threatgraph/internal/config"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootOptions is shared by every subcommand; PersistentPreRunE fills cfg.
type rootOptions struct {
	configPath string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "server",
		Short:         "Threat intelligence graph service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			if opts.configPath == "" {
				opts.cfg = config.DefaultConfig()
				return nil
			}
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (defaults apply when empty)")

	serve := newServeCmd(opts)
	root.RunE = serve.RunE

	root.AddCommand(
		serve,
		newConsumeCmd(opts),
		newIngestCmd(opts),
		newSchemaCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "threatgraph %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}
