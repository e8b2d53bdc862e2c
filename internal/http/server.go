// Package http hosts the legacy owner's HTTP surface: the remote session
// endpoint, health, diagnostics and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/sessionbridge/internal/logging"
	"github.com/fyrsmithlabs/sessionbridge/internal/remote"
	"github.com/fyrsmithlabs/sessionbridge/internal/serializer"
)

// SessionRoutes mounts the remote session endpoint.
type SessionRoutes interface {
	Register(e *echo.Echo, m ...echo.MiddlewareFunc)
}

// Server provides HTTP endpoints for sessionbridge.
type Server struct {
	echo    *echo.Echo
	logger  *zap.Logger
	config  *Config
	deps    Deps
	started time.Time
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// H2C serves HTTP/2 over cleartext alongside HTTP/1.1.
	H2C bool
	// RateLimit is requests per second per client IP; 0 disables it.
	RateLimit float64
	// APIKey guards the session and diagnostics routes. Empty disables
	// authentication.
	APIKey       string
	APIKeyHeader string
	Version      string
}

// Deps are the optional collaborators the server reports on.
type Deps struct {
	Sessions    Counter
	Locks       Counter
	UnknownKeys *serializer.UnknownKeyTracker
	Metrics     *HTTPMetrics
}

// NewServer creates a new HTTP server.
func NewServer(sessions SessionRoutes, logger *zap.Logger, cfg *Config, deps Deps) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("session routes cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = remote.APIKeyHeader
	}

	var auth echo.MiddlewareFunc
	if cfg.APIKey != "" {
		key, err := uuid.Parse(cfg.APIKey)
		if err != nil || key == uuid.Nil {
			return nil, fmt.Errorf("api key must be a non-nil GUID")
		}
		auth = APIKeyAuth(key, cfg.APIKeyHeader)
	} else {
		logger.Warn("api key not configured, session endpoint is unauthenticated")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	e.Use(requestLogger(logger))
	if deps.Metrics != nil {
		e.Use(deps.Metrics.MetricsMiddleware())
	}
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool { return c.Path() == "/health" },
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.RateLimit),
				Burst:     int(cfg.RateLimit) + 1,
				ExpiresIn: 3 * time.Minute,
			}),
		}))
	}

	s := &Server{
		echo:    e,
		logger:  logger,
		config:  cfg,
		deps:    deps,
		started: time.Now(),
	}

	var guarded []echo.MiddlewareFunc
	if auth != nil {
		guarded = append(guarded, auth)
	}
	sessions.Register(e, guarded...)
	s.registerRoutes(guarded)

	return s, nil
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			}
			if id := logging.SessionIDFromContext(c.Request().Context()); id != "" {
				fields = append(fields, zap.String("session.id", id))
			}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			logger.Info("http request", fields...)

			return err
		}
	}
}

// registerRoutes sets up the HTTP endpoints besides the session endpoint.
func (s *Server) registerRoutes(guarded []echo.MiddlewareFunc) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	s.echo.GET("/diagnostics/unknown-keys", s.handleUnknownKeys, guarded...)
}

// handleHealth reports liveness and the size of the session tables.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Sessions: countOf(s.deps.Sessions),
		Locks:    countOf(s.deps.Locks),
	})
}

// handleUnknownKeys lists session keys no serializer could handle.
func (s *Server) handleUnknownKeys(c echo.Context) error {
	if s.deps.UnknownKeys == nil {
		return c.JSON(http.StatusOK, UnknownKeysResponse{Keys: []serializer.UnknownKey{}})
	}
	keys, dropped := s.deps.UnknownKeys.Snapshot()
	return c.JSON(http.StatusOK, UnknownKeysResponse{Keys: keys, Dropped: dropped})
}

// Echo returns the underlying echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server and blocks until it stops. A graceful
// shutdown returns nil.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr), zap.Bool("h2c", s.config.H2C))

	var err error
	if s.config.H2C {
		err = s.echo.StartH2CServer(addr, &http2.Server{})
	} else {
		err = s.echo.Start(addr)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
