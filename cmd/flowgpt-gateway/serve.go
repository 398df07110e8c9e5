// ABOUTME: serve subcommand that loads config, prints the banner and runs the gateway
// ABOUTME: Also holds the shared config-path resolution used by every subcommand

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/flowgpt-gateway/internal/config"
	"github.com/2389/flowgpt-gateway/internal/gateway"
)

const banner = `
   __ _                           _
  / _| | _____      ____ _ _ __ | |_
 | |_| |/ _ \ \ /\ / / _' | '_ \| __|
 |  _| | (_) \ V  V / (_| | |_) | |_
 |_| |_|\___/ \_/\_/ \__, | .__/ \__|  gateway
                     |___/|_|
`

// configPath returns --config when given, otherwise the default location.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	return config.DefaultPath()
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := configPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cyan := color.New(color.FgCyan)
			cyan.Print(banner)

			gray := color.New(color.FgHiBlack)
			gray.Printf("    version: %s\n\n", version)

			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger := setupLogger(cfg.Logging)
			printStartup(cfg, path)

			logger.Info("starting flowgpt-gateway",
				"config", path,
				"http_addr", cfg.Server.HTTPAddr,
				"grpc_addr", cfg.Server.GRPCAddr,
				"model", cfg.OpenAI.Model,
			)

			gw, err := gateway.New(cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			return gw.Run(cmd.Context())
		},
	}
}

func printStartup(cfg *config.Config, path string) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}

	line("Config", path)
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Model", cfg.OpenAI.Model)
	if cfg.Database.Path != "" {
		line("Ledger", cfg.Database.Path)
	} else {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Ledger:")
		yellow.Println("disabled")
	}
	if cfg.Auth.JWTSecret == "" {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Auth:")
		yellow.Println("disabled")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()
}
