package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/config"
	"github.com/fyrsmithlabs/sessionbridge/internal/remote/client"
	"github.com/fyrsmithlabs/sessionbridge/internal/serializer"
	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one session value as JSON",
	Long: `Load the session read-only and print the value stored under KEY.

Examples:
  sbctl get --session abc123 user`,
	Args: cobra.ExactArgs(1),
	RunE: runGet,
}

var setCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Store a value in a session",
	Long: `Lock the session, store VALUE under KEY and commit.

VALUE is parsed as JSON; anything that is not valid JSON is stored as a
string. Without --session a new session is created and its ID is printed
to stderr.

Examples:
  sbctl set --session abc123 count 3
  sbctl set --session abc123 user '{"name":"ada"}'
  sbctl set greeting hello`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

var removeCmd = &cobra.Command{
	Use:   "remove KEY",
	Short: "Remove a key from a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runRemove,
}

var abandonCmd = &cobra.Command{
	Use:   "abandon",
	Short: "End a session",
	Long: `Lock the session, mark it abandoned and commit. The daemon deletes
abandoned sessions on commit.`,
	Args: cobra.NoArgs,
	RunE: runAbandon,
}

var dumpCmd = &cobra.Command{
	Use:   "dump [KEY...]",
	Short: "Print every key of a session",
	Long: `Load the session read-only and print each key with its value.

Keys listed on the command line are decoded as JSON in addition to the
configured session.json_keys. Keys no serializer can read are listed as
unknown.`,
	RunE: runDump,
}

func runGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	return withSession(cmd, true, args, func(_ context.Context, _ *config.Config, h *client.Handle) error {
		v, ok := h.State.Get(key)
		if !ok {
			return fmt.Errorf("key %q is not set in session %s", key, h.State.ID())
		}
		if slices.Contains(h.State.UnknownKeys(), key) {
			return fmt.Errorf("key %q could not be deserialized", key)
		}
		return printValue(cmd.OutOrStdout(), v)
	})
}

func runSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	return withSession(cmd, false, args[:1], func(ctx context.Context, cfg *config.Config, h *client.Handle) error {
		h.State.Set(key, parseValue(cfg, key, args[1]))
		if err := h.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit session: %w", err)
		}
		return nil
	})
}

func runRemove(cmd *cobra.Command, args []string) error {
	key := args[0]
	return withSession(cmd, false, args, func(ctx context.Context, _ *config.Config, h *client.Handle) error {
		h.State.Remove(key)
		if err := h.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit session: %w", err)
		}
		return nil
	})
}

func runAbandon(cmd *cobra.Command, _ []string) error {
	if sessionID == "" {
		return fmt.Errorf("--session is required")
	}
	return withSession(cmd, false, nil, func(ctx context.Context, _ *config.Config, h *client.Handle) error {
		h.State.Abandon()
		if err := h.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit session: %w", err)
		}
		return nil
	})
}

func runDump(cmd *cobra.Command, args []string) error {
	return withSession(cmd, true, args, func(_ context.Context, _ *config.Config, h *client.Handle) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Session: %s (protocol v%s, %d keys)\n", h.State.ID(), h.Version(), h.State.Count())
		for _, key := range h.State.Keys() {
			v, _ := h.State.Get(key)
			if slices.Contains(h.State.UnknownKeys(), key) {
				continue
			}
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to encode %q: %w", key, err)
			}
			fmt.Fprintf(out, "  %s = %s\n", key, data)
		}
		for _, key := range h.State.UnknownKeys() {
			fmt.Fprintf(out, "  %s (unknown)\n", key)
		}
		return nil
	})
}

// withSession loads the session named by --session and runs fn with it. The
// handle is closed afterwards, which discards uncommitted writes.
func withSession(cmd *cobra.Command, readOnly bool, keys []string, fn func(context.Context, *config.Config, *client.Handle) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Remote.Timeout.Duration())
	defer cancel()

	h, err := newRemote(cfg, logger, keys...).Load(ctx, client.Request{
		SessionID: sessionID,
		ReadOnly:  readOnly,
		SetCookie: func(c *http.Cookie) {
			if c.Name == cfg.Session.CookieName {
				fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", c.Value)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to load session from %s: %w", cfg.Remote.URL, err)
	}
	defer h.Close()

	return fn(ctx, cfg, h)
}

// newRemote builds a client whose serializer matches the daemon's for the
// same config. keys are registered as untyped JSON on top of
// session.json_keys.
func newRemote(cfg *config.Config, logger *zap.Logger, keys ...string) *client.Dispatcher {
	jsonKeys := append(slices.Clone(cfg.Session.JSONKeys), keys...)
	codec := wire.NewCodec(
		serializer.NewUntypedChain(logger, jsonKeys, cfg.Session.BytesPrefixes),
		logger,
		wire.Options{MaxPayloadBytes: cfg.Session.MaxBodyBytes},
	)

	opts := client.DefaultOptions(cfg.Remote.URL)
	opts.EndpointPath = cfg.Session.EndpointPath
	opts.CookieName = cfg.Session.CookieName
	opts.APIKey = cfg.Remote.APIKey.Value()
	opts.APIKeyHeader = cfg.Server.APIKeyHeader
	opts.UseSingleConnection = cfg.Remote.UseSingleConnection
	opts.MaxVersion = wire.Version(cfg.Remote.MaxVersion)
	return client.New(codec, opts, logger)
}

// parseValue decodes s as JSON, falling back to the literal string. Keys
// under a bytes prefix get the raw bytes of s.
func parseValue(cfg *config.Config, key, s string) any {
	for _, p := range cfg.Session.BytesPrefixes {
		if strings.HasPrefix(key, p) {
			return []byte(s)
		}
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printValue(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
