// ABOUTME: Entry point for the flowgpt-gateway chat orchestration server
// ABOUTME: Wires cobra subcommands for serving, setup, tokens and probes

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "flowgpt-gateway",
		Short:         "Multi-platform FlowGPT chat gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("config", "", "Config file path (defaults to $FLOWGPT_CONFIG or ~/.config/flowgpt/gateway.yaml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "flowgpt-gateway %s\n", version)
			if commit != "" && commit != "none" {
				fmt.Fprintf(cmd.OutOrStdout(), "commit: %s\n", commit)
			}
			return nil
		},
	}
}
