// Package client loads sessions from the legacy owner and commits them back.
//
// Two strategies exist. DoubleConnection fetches with a GET that stays open
// as the remote lock and commits with a PUT. SingleConnection runs the whole
// exchange inside one HTTP/2 POST. A Dispatcher picks between them and falls
// back to DoubleConnection for good once the remote app turns out not to
// support the streaming exchange.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/remote"
	"github.com/fyrsmithlabs/sessionbridge/internal/session"
	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

const instrumentationName = "github.com/fyrsmithlabs/sessionbridge/internal/remote/client"

// Options configures the strategies.
type Options struct {
	BaseURL      string
	EndpointPath string
	CookieName   string
	APIKey       string
	APIKeyHeader string

	// UseSingleConnection lets the Dispatcher try the streaming exchange for
	// writeable sessions.
	UseSingleConnection bool
	MaxVersion          wire.Version

	// HTTPClient serves DoubleConnection. Defaults to a client without an
	// overall timeout, since the locking GET stays open for the whole hold.
	HTTPClient *http.Client

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// DefaultOptions returns options for a remote app at baseURL.
func DefaultOptions(baseURL string) Options {
	return Options{
		BaseURL:             baseURL,
		EndpointPath:        remote.DefaultEndpointPath,
		CookieName:          remote.DefaultCookieName,
		APIKeyHeader:        remote.APIKeyHeader,
		UseSingleConnection: true,
		MaxVersion:          wire.Latest,
	}
}

func (o *Options) applyDefaults() {
	if o.EndpointPath == "" {
		o.EndpointPath = remote.DefaultEndpointPath
	}
	if o.CookieName == "" {
		o.CookieName = remote.DefaultCookieName
	}
	if o.APIKeyHeader == "" {
		o.APIKeyHeader = remote.APIKeyHeader
	}
	if !o.MaxVersion.Valid() {
		o.MaxVersion = wire.Latest
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
}

func (o *Options) endpoint() string {
	return strings.TrimRight(o.BaseURL, "/") + "/" + strings.TrimLeft(o.EndpointPath, "/")
}

// Request describes the session a caller wants.
type Request struct {
	// SessionID is the caller's session cookie value, empty if none.
	SessionID string
	ReadOnly  bool
	// SetCookie receives cookies the remote app issued, such as the id of a
	// newly created session.
	SetCookie func(*http.Cookie)
}

// Manager loads remote sessions.
type Manager interface {
	Load(ctx context.Context, req Request) (*Handle, error)
}

// Handle is a loaded session. Callers must Close it.
type Handle struct {
	State *session.State

	codec     *wire.Codec
	version   wire.Version
	readOnly  bool
	strategy  string
	tracer    trace.Tracer
	metrics   *Metrics
	send      func(ctx context.Context, payload []byte) error
	release   func() error
	committed atomic.Bool
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// Version returns the version Commit will write.
func (h *Handle) Version() wire.Version { return h.version }

// ReadOnly reports whether the handle was loaded read-only.
func (h *Handle) ReadOnly() bool { return h.readOnly }

// Commit writes the session back. Only changes are sent when version 2 was
// negotiated.
func (h *Handle) Commit(ctx context.Context) (err error) {
	if h.readOnly {
		return ErrReadOnly
	}
	if h.closed.Load() {
		return ErrClosed
	}
	if !h.committed.CompareAndSwap(false, true) {
		return ErrAlreadyCommitted
	}

	ctx, span := h.tracer.Start(ctx, "Handle.Commit", trace.WithAttributes(
		attribute.String("session.id", h.State.ID()),
		attribute.String("strategy", h.strategy),
		attribute.Int("version", int(h.version)),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		h.metrics.commit(ctx, h.strategy, err, time.Since(start))
	}()

	payload, err := h.codec.Encode(h.State, h.version)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return h.send(ctx, payload)
}

// Close releases the remote session. Closing an uncommitted writeable
// handle discards its changes.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		if h.release != nil {
			h.closeErr = h.release()
		}
	})
	return h.closeErr
}

// conn holds what both strategies share.
type conn struct {
	opts    Options
	codec   *wire.Codec
	tracer  trace.Tracer
	metrics *Metrics
	logger  *zap.Logger
}

func newConn(codec *wire.Codec, opts Options, logger *zap.Logger, name string) conn {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return conn{
		opts:    opts,
		codec:   codec,
		tracer:  tracerFrom(opts.TracerProvider),
		metrics: NewMetrics(opts.MeterProvider, logger),
		logger:  logger.Named(name),
	}
}

func (c *conn) newRequest(ctx context.Context, method, sessionID string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.opts.endpoint(), body)
	if err != nil {
		return nil, fmt.Errorf("build session request: %w", err)
	}
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: c.opts.CookieName, Value: sessionID})
	}
	req.Header.Set(remote.VersionHeader, c.opts.MaxVersion.String())
	req.Header.Set(remote.SerializerHeader, c.codec.ID())
	if c.opts.APIKey != "" {
		req.Header.Set(c.opts.APIKeyHeader, c.opts.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", remote.ContentTypePayload)
	}
	return req, nil
}

// accept forwards issued cookies and negotiates the commit version.
func (c *conn) accept(resp *http.Response, req Request) (wire.Version, error) {
	if req.SetCookie != nil {
		for _, cookie := range resp.Cookies() {
			req.SetCookie(cookie)
		}
	}
	if err := c.codec.CheckSerializer(resp.Header.Get(remote.SerializerHeader)); err != nil {
		return 0, err
	}
	return wire.Negotiate(c.opts.MaxVersion, remote.RequestedVersion(resp.Header)), nil
}

func (c *conn) newHandle(s *session.State, v wire.Version, readOnly bool, strategy string) *Handle {
	return &Handle{
		State:    s,
		codec:    c.codec,
		version:  v,
		readOnly: readOnly,
		strategy: strategy,
		tracer:   c.tracer,
		metrics:  c.metrics,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
