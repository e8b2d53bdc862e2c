package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/remote"
)

// ErrNoSession is returned by FromContext on routes that did not load a
// session.
var ErrNoSession = errors.New("no session loaded for this request")

// Behavior declares how a route uses the remote session.
type Behavior int

const (
	// Disabled loads nothing.
	Disabled Behavior = iota
	// ReadOnly loads a snapshot and never commits or locks.
	ReadOnly
	// Required loads the session writeable, holds the remote lock for the
	// request and commits after the handler succeeds.
	Required
)

func (b Behavior) String() string {
	switch b {
	case ReadOnly:
		return "readonly"
	case Required:
		return "required"
	default:
		return "disabled"
	}
}

// DefaultCommitTimeout bounds the commit that follows a handler.
const DefaultCommitTimeout = time.Minute

const contextKey = "sessionbridge.session"

// MiddlewareConfig configures Sessions.
type MiddlewareConfig struct {
	Manager    Manager
	CookieName string
	// CommitTimeout bounds the commit after the handler. The commit
	// outlives a canceled request context.
	CommitTimeout time.Duration
	Logger        *zap.Logger
}

// Sessions attaches remote sessions to echo routes.
//
//	sessions := client.NewSessions(client.MiddlewareConfig{Manager: dispatcher})
//	e.GET("/cart", showCart, sessions.Use(client.ReadOnly))
//	e.POST("/cart", addToCart, sessions.Lazy(client.Required))
//
// Handlers reach the session with FromContext.
type Sessions struct {
	cfg    MiddlewareConfig
	logger *zap.Logger
}

// NewSessions creates the middleware factory.
func NewSessions(cfg MiddlewareConfig) *Sessions {
	if cfg.CookieName == "" {
		cfg.CookieName = remote.DefaultCookieName
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sessions{cfg: cfg, logger: logger.Named("sessions")}
}

// Use loads the session before the handler runs. A failed load fails the
// request with 503.
func (s *Sessions) Use(b Behavior) echo.MiddlewareFunc {
	return s.middleware(b, false)
}

// Lazy loads the session the first time the handler calls FromContext.
// Routes that never touch the session never contact the remote app.
func (s *Sessions) Lazy(b Behavior) echo.MiddlewareFunc {
	return s.middleware(b, true)
}

func (s *Sessions) middleware(b Behavior, lazy bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if b == Disabled {
			return next
		}
		return func(c echo.Context) error {
			slot := &sessionSlot{load: func() (*Handle, error) { return s.load(c, b) }}
			c.Set(contextKey, slot)
			defer slot.close(s.logger)

			if !lazy {
				if _, err := slot.get(); err != nil {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "session unavailable").SetInternal(err)
				}
			}

			if err := next(c); err != nil {
				return err
			}
			return s.commit(c, slot)
		}
	}
}

func (s *Sessions) load(c echo.Context, b Behavior) (*Handle, error) {
	req := Request{
		ReadOnly:  b == ReadOnly,
		SetCookie: c.SetCookie,
	}
	if cookie, err := c.Cookie(s.cfg.CookieName); err == nil {
		req.SessionID = cookie.Value
	}
	s.logger.Debug("loading session", zap.Stringer("behavior", b), zap.Bool("has_cookie", req.SessionID != ""))
	return s.cfg.Manager.Load(c.Request().Context(), req)
}

func (s *Sessions) commit(c echo.Context, slot *sessionSlot) error {
	h, loaded := slot.loaded()
	if !loaded || h.ReadOnly() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), s.cfg.CommitTimeout)
	defer cancel()
	if err := h.Commit(ctx); err != nil && !errors.Is(err, ErrAlreadyCommitted) {
		s.logger.Error("could not commit session", zap.String("session.id", h.State.ID()), zap.Error(err))
		return err
	}
	return nil
}

// FromContext returns the request's session, loading it first on lazy
// routes.
func FromContext(c echo.Context) (*Handle, error) {
	slot, ok := c.Get(contextKey).(*sessionSlot)
	if !ok {
		return nil, ErrNoSession
	}
	return slot.get()
}

// sessionSlot holds at most one load per request.
type sessionSlot struct {
	mu     sync.Mutex
	done   bool
	load   func() (*Handle, error)
	handle *Handle
	err    error
}

func (s *sessionSlot) get() (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.handle, s.err = s.load()
		s.done = true
	}
	return s.handle, s.err
}

// loaded returns the handle without triggering a load.
func (s *sessionSlot) loaded() (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle, s.handle != nil
}

func (s *sessionSlot) close(logger *zap.Logger) {
	h, ok := s.loaded()
	if !ok {
		return
	}
	if err := h.Close(); err != nil {
		logger.Warn("could not release session", zap.String("session.id", h.State.ID()), zap.Error(err))
	}
}
