package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/sessionbridge/internal/config"
	httpserver "github.com/fyrsmithlabs/sessionbridge/internal/http"
)

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check sessionbridge server health",
	Long: `Check the health status of the sessionbridge daemon.

Examples:
  # Check health
  sbctl health

  # Check health on a different server
  sbctl health --server http://localhost:8080`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

var unknownKeysCmd = &cobra.Command{
	Use:   "unknown-keys",
	Short: "List session keys the daemon could not serialize",
	Args:  cobra.NoArgs,
	RunE:  runUnknownKeys,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var health httpserver.HealthResponse
	if err := getJSON(cmd, "/health", &health); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server Status: %s\n", health.Status)
	if health.Version != "" {
		fmt.Fprintf(out, "Version:       %s\n", health.Version)
	}
	fmt.Fprintf(out, "Uptime:        %s\n", health.Uptime)
	fmt.Fprintf(out, "Sessions:      %s\n", count(health.Sessions))
	fmt.Fprintf(out, "Locked:        %s\n", count(health.Locks))
	return nil
}

func runUnknownKeys(cmd *cobra.Command, _ []string) error {
	var resp httpserver.UnknownKeysResponse
	if err := getJSON(cmd, "/diagnostics/unknown-keys", &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Keys) == 0 {
		fmt.Fprintln(out, "No unknown keys recorded")
		return nil
	}
	for _, k := range resp.Keys {
		fmt.Fprintf(out, "%-40s %d\n", k.Key, k.Count)
	}
	if resp.Dropped > 0 {
		fmt.Fprintf(out, "(%d more keys not tracked)\n", resp.Dropped)
	}
	return nil
}

// getJSON fetches path from the configured server and decodes the body
// into v. The API key is sent when configured.
func getJSON(cmd *cobra.Command, path string, v any) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	url := strings.TrimRight(cfg.Remote.URL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	setAPIKey(req, cfg)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func setAPIKey(req *http.Request, cfg *config.Config) {
	if cfg.Remote.APIKey.IsSet() {
		req.Header.Set(cfg.Server.APIKeyHeader, cfg.Remote.APIKey.Value())
	}
}

func count(n int) string {
	if n < 0 {
		return "?"
	}
	return fmt.Sprint(n)
}
