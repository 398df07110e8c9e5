// ABOUTME: init, token, health and stats subcommands
// ABOUTME: Operator helpers that talk to the config file or a running gateway

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/2389/flowgpt-gateway/internal/auth"
	"github.com/2389/flowgpt-gateway/internal/config"
)

const defaultTokenTTL = 30 * 24 * time.Hour

func newInitCmd() *cobra.Command {
	var (
		force  bool
		dbPath string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config with a random JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config already exists: %s (use --force to overwrite)", path)
			}
			if dbPath == "" {
				dbPath = filepath.Join(config.DefaultDataPath(), "gateway.db")
			}

			secret, err := generateSecret()
			if err != nil {
				return err
			}

			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}

			content := fmt.Sprintf(config.Template, dbPath, secret)
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				return fmt.Errorf("writing config file: %w", err)
			}

			green := color.New(color.FgGreen)
			green.Fprintf(cmd.OutOrStdout(), "  ✓ Created config: %s\n", path)
			green.Fprintf(cmd.OutOrStdout(), "  ✓ Ledger:         %s\n", dbPath)
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "  Set OPENAI_API_KEY, then:")
			fmt.Fprintln(cmd.OutOrStdout(), "    flowgpt-gateway token --adapter telegram-bot --platforms telegram")
			fmt.Fprintln(cmd.OutOrStdout(), "    flowgpt-gateway serve")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	cmd.Flags().StringVar(&dbPath, "db", "", "Dispatch ledger path (defaults to the XDG data directory)")
	return cmd
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func newTokenCmd() *cobra.Command {
	var (
		adapter   string
		platforms []string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an adapter token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret not configured in %s", path)
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating JWT verifier: %w", err)
			}
			token, err := verifier.Generate(adapter, platforms, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&adapter, "adapter", "", "Adapter identifier recorded as the token subject")
	cmd.Flags().StringSliceVar(&platforms, "platforms", nil, "Platforms the token may post for (empty allows all)")
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("adapter")
	return cmd
}

// baseURL returns --url when set, otherwise the configured HTTP address.
func baseURL(cmd *cobra.Command) (string, error) {
	if u, _ := cmd.Flags().GetString("url"); u != "" {
		return strings.TrimRight(u, "/"), nil
	}
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Server.HTTPAddr == "" {
		return "", errors.New("server.http_addr is empty; pass --url")
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

func get(ctx context.Context, url, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func newHealthCmd() *cobra.Command {
	var ready bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL(cmd)
			if err != nil {
				return err
			}
			path := "/health"
			if ready {
				path = "/health/ready"
			}

			status, body, err := get(cmd.Context(), base+path, "")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", status)
			}
			if ready {
				fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
	cmd.Flags().String("url", "", "Gateway base URL (overrides server.http_addr)")
	cmd.Flags().BoolVar(&ready, "ready", false, "Query the readiness probe instead of liveness")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var (
		token string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show session, replay and ledger counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := baseURL(cmd)
			if err != nil {
				return err
			}
			if token == "" {
				token = os.Getenv("FLOWGPT_TOKEN")
			}
			url := base + "/api/stats"
			if since > 0 {
				url += "?since=" + since.String()
			}

			status, body, err := get(cmd.Context(), url, token)
			if err != nil {
				return fmt.Errorf("stats request failed: %w", err)
			}
			if status != http.StatusOK {
				msg := gjson.GetBytes(body, "error").String()
				if msg == "" {
					msg = http.StatusText(status)
				}
				return fmt.Errorf("stats: %s (status %d)", msg, status)
			}

			printStats(cmd.OutOrStdout(), body)
			return nil
		},
	}
	cmd.Flags().String("url", "", "Gateway base URL (overrides server.http_addr)")
	cmd.Flags().StringVar(&token, "token", "", "Adapter token (defaults to $FLOWGPT_TOKEN)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only summarize dispatches newer than this")
	return cmd
}

func printStats(w io.Writer, body []byte) {
	cyan := color.New(color.FgCyan)
	doc := gjson.ParseBytes(body)

	cyan.Fprintln(w, "  Gateway")
	fmt.Fprintf(w, "  Sessions:     %d\n", doc.Get("sessions").Int())
	fmt.Fprintf(w, "  Replay cache: %d\n", doc.Get("replay_entries").Int())
	fmt.Fprintf(w, "  Subscribers:  %d\n", doc.Get("subscribers").Int())

	d := doc.Get("dispatches")
	if !d.Exists() {
		return
	}
	fmt.Fprintln(w)
	cyan.Fprintln(w, "  Dispatches")
	fmt.Fprintf(w, "  Total:        %d\n", d.Get("total").Int())
	for _, section := range []string{"by_outcome", "by_command", "by_error"} {
		d.Get(section).ForEach(func(key, value gjson.Result) bool {
			fmt.Fprintf(w, "  %-13s %d\n", key.String()+":", value.Int())
			return true
		})
	}
}
