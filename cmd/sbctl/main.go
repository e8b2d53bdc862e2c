// Package main implements sbctl, a CLI that inspects and edits sessions held
// by a sessionbridge daemon through the remote session protocol.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/config"
	"github.com/fyrsmithlabs/sessionbridge/internal/logging"
)

var (
	configPath string
	serverURL  string
	apiKey     string
	sessionID  string
	maxVersion int
	singleConn bool
	timeout    time.Duration
	verbose    bool

	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sbctl",
	Short: "CLI for sessionbridge session operations",
	Long: `sbctl is a command-line interface for the sessionbridge daemon.
It reads and edits sessions over the same protocol remote apps use, and
reports daemon health and diagnostics.

Settings come from the sessionbridge config file (remote.* and session.*
keys) and can be overridden with flags.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ~/.config/sessionbridge/config.yaml)")
	flags.StringVar(&serverURL, "server", "", "sessionbridge server URL (overrides remote.url)")
	flags.StringVar(&apiKey, "api-key", "", "remote app API key (overrides remote.api_key)")
	flags.StringVar(&sessionID, "session", "", "session ID to operate on")
	flags.IntVar(&maxVersion, "max-version", 0, "highest protocol version to request, 1 or 2 (overrides remote.max_version)")
	flags.BoolVar(&singleConn, "single", true, "try the single connection exchange for writes (overrides remote.use_single_connection)")
	flags.DurationVar(&timeout, "timeout", 0, "overall operation timeout (overrides remote.timeout)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "log protocol activity to stdout")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(abandonCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(unknownKeysCmd)
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Remote.URL = serverURL
	}
	if flags.Changed("api-key") {
		cfg.Remote.APIKey = config.Secret(apiKey)
	}
	if flags.Changed("max-version") {
		cfg.Remote.MaxVersion = maxVersion
	}
	if flags.Changed("single") {
		cfg.Remote.UseSingleConnection = singleConn
	}
	if flags.Changed("timeout") {
		cfg.Remote.Timeout = config.Duration(timeout)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger returns a no-op logger unless --verbose is set, in which case
// everything down to wire payload dumps is written to stdout.
func newLogger() (*zap.Logger, error) {
	if !verbose {
		return zap.NewNop(), nil
	}
	lc := logging.NewDefaultConfig()
	lc.Level = logging.TraceLevel
	lc.Format = "console"
	lc.Sampling.Enabled = false
	lc.Caller.Enabled = false
	lc.Fields = map[string]string{"service": "sbctl"}
	l, err := logging.NewLogger(lc, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l.Underlying(), nil
}
