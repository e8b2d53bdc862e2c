// Sessionbridge is the legacy owner daemon. It keeps live sessions in memory
// and lends them to remote apps over the remote session protocol.
//
// Configuration is loaded from ~/.config/sessionbridge/config.yaml (or the
// file named by -config) and SESSIONBRIDGE_* environment variables. See
// internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	sessionbridge
//
//	# Configure via environment
//	SESSIONBRIDGE_SERVER_HTTP_PORT=8080 sessionbridge
//
//	# Show version information
//	sessionbridge version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/sessionbridge/internal/config"
	httpserver "github.com/fyrsmithlabs/sessionbridge/internal/http"
	"github.com/fyrsmithlabs/sessionbridge/internal/logging"
	"github.com/fyrsmithlabs/sessionbridge/internal/remote/handler"
	"github.com/fyrsmithlabs/sessionbridge/internal/serializer"
	"github.com/fyrsmithlabs/sessionbridge/internal/store"
	"github.com/fyrsmithlabs/sessionbridge/internal/telemetry"
	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const handlerScope = "github.com/fyrsmithlabs/sessionbridge/internal/remote/handler"

func main() {
	configPath := flag.String("config", "", "config file (default ~/.config/sessionbridge/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  sessionbridge [-config path]   Start the session daemon\n")
			fmt.Fprintf(os.Stderr, "  sessionbridge version          Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("sessionbridge by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled or the server
// fails. A graceful shutdown returns nil.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	tel, err := telemetry.New(ctx, telemetryConfig(cfg), logger.Underlying())
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	zl := logger.Underlying()
	zl.Info("starting sessionbridge",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.String("endpoint", cfg.Session.EndpointPath),
		zap.Bool("single_connection", cfg.Session.EnableSingleConnection),
		zap.Bool("telemetry", tel.IsEnabled()))

	tracker := serializer.NewUnknownKeyTracker(0)
	keys := serializer.NewUntypedChain(zl, cfg.Session.JSONKeys, cfg.Session.BytesPrefixes).WithTracker(tracker)
	codec := wire.NewCodec(keys, zl, wire.Options{
		ThrowOnUnknownSessionKey: cfg.Session.ThrowOnUnknownSessionKey,
		MaxPayloadBytes:          cfg.Session.MaxBodyBytes,
	})

	sessions := store.NewMemory(store.Options{
		DefaultTimeout: cfg.Session.DefaultTimeout.Duration(),
		ReapInterval:   cfg.Session.ReapInterval.Duration(),
		Metrics:        store.NewMetrics(),
		Deserializer:   keys,
	}, zl)

	hm := handler.NewMetrics()
	locks := handler.NewLockTable(codec, tel.Tracer(handlerScope), hm, zl)
	routes := handler.New(sessions, locks, codec, zl, handler.Options{
		EndpointPath:           cfg.Session.EndpointPath,
		CookieName:             cfg.Session.CookieName,
		DefaultTimeout:         cfg.Session.DefaultTimeout.Duration(),
		EnableSingleConnection: cfg.Session.EnableSingleConnection,
		TracerProvider:         tel.TracerProvider(),
		Metrics:                hm,
	})

	srv, err := httpserver.NewServer(routes, zl, &httpserver.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		H2C:          cfg.Server.H2C,
		RateLimit:    cfg.Server.RateLimit,
		APIKey:       cfg.Server.APIKey.Value(),
		APIKeyHeader: cfg.Server.APIKeyHeader,
		Version:      version,
	}, httpserver.Deps{
		Sessions:    sessions,
		Locks:       locks,
		UnknownKeys: tracker,
		Metrics:     httpserver.NewHTTPMetrics(tel.MeterProvider(), cfg.Session.EndpointPath, zl),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), tel.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// initLogger builds the structured logger. With logging.otel set, records
// also go to the global OTEL log provider, which stays a no-op until an
// exporter installs one.
func initLogger(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}
	lc.Level = level
	lc.Format = cfg.Logging.Format

	if !cfg.Logging.OTEL {
		return logging.NewLogger(lc, nil)
	}
	lc.Output.OTEL = true
	return logging.NewLogger(lc, global.GetLoggerProvider())
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	tc.Endpoint = cfg.Telemetry.Endpoint
	tc.Protocol = cfg.Telemetry.Protocol
	tc.Insecure = cfg.Telemetry.Insecure
	tc.Sampling.Rate = cfg.Telemetry.SamplingRate
	tc.ServiceVersion = version
	return tc
}
