// Package handler serves the legacy owner's side of the remote session
// protocol.
//
// Three exchanges are supported on one endpoint:
//
//   - GET with the read-only header returns a snapshot and takes no lock.
//   - GET without it returns a snapshot frame and holds the session locked
//     until a PUT commits it, the session times out, or the client goes away.
//   - POST returns a snapshot frame, reads the updated session from the same
//     request body, and ends with a JSON commit result.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/logging"
	"github.com/fyrsmithlabs/sessionbridge/internal/remote"
	"github.com/fyrsmithlabs/sessionbridge/internal/session"
	"github.com/fyrsmithlabs/sessionbridge/internal/store"
	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

const instrumentationName = "github.com/fyrsmithlabs/sessionbridge/internal/remote/handler"

var noopTracer = noop.NewTracerProvider().Tracer(instrumentationName)

// Store opens live sessions.
type Store interface {
	Open(ctx context.Context, id string, exclusive bool) (*store.Lease, error)
}

// Options configures the handlers.
type Options struct {
	EndpointPath string
	CookieName   string
	// DefaultTimeout bounds waits for sessions that carry no timeout.
	DefaultTimeout time.Duration
	// EnableSingleConnection serves the streaming POST exchange. Without it
	// POST is answered with 405 and clients fall back to GET/PUT.
	EnableSingleConnection bool
	TracerProvider         trace.TracerProvider
	Metrics                *Metrics
}

// Handler serves the session endpoint.
type Handler struct {
	store  Store
	locks  *LockTable
	codec  *wire.Codec
	opts   Options
	tracer trace.Tracer
	logger *zap.Logger
}

// New creates a Handler. locks is shared by every request of the process.
func New(st Store, locks *LockTable, codec *wire.Codec, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.EndpointPath == "" {
		opts.EndpointPath = remote.DefaultEndpointPath
	}
	if opts.CookieName == "" {
		opts.CookieName = remote.DefaultCookieName
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = session.DefaultTimeout
	}
	tracer := noopTracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer(instrumentationName)
	}
	return &Handler{
		store:  st,
		locks:  locks,
		codec:  codec,
		opts:   opts,
		tracer: tracer,
		logger: logger.Named("handler"),
	}
}

// Register mounts the session endpoint on e.
func (h *Handler) Register(e *echo.Echo, m ...echo.MiddlewareFunc) {
	e.GET(h.opts.EndpointPath, h.handleGet, m...)
	e.PUT(h.opts.EndpointPath, h.handlePut, m...)
	if h.opts.EnableSingleConnection {
		e.POST(h.opts.EndpointPath, h.handlePost, m...)
	}
}

// negotiate sets the common response headers and returns the version to
// write.
func (h *Handler) negotiate(c echo.Context) (wire.Version, error) {
	req := c.Request()
	hdr := c.Response().Header()

	remote.SetVersion(hdr, wire.Latest)
	hdr.Set(remote.SerializerHeader, h.codec.ID())

	if err := h.codec.CheckSerializer(req.Header.Get(remote.SerializerHeader)); err != nil {
		h.logger.Warn("serializer mismatch", zap.Error(err))
		return 0, echo.NewHTTPError(http.StatusBadRequest, remote.MsgSerializerMismatch).SetInternal(err)
	}
	return wire.Negotiate(remote.RequestedVersion(req.Header), wire.Latest), nil
}

func (h *Handler) sessionID(c echo.Context) string {
	cookie, err := c.Cookie(h.opts.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (h *Handler) issueCookie(c echo.Context, lease *store.Lease) {
	if !lease.State.IsNewSession {
		return
	}
	c.SetCookie(&http.Cookie{
		Name:     h.opts.CookieName,
		Value:    lease.ID(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) timeout(s *session.State) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return h.opts.DefaultTimeout
}

func (h *Handler) open(c echo.Context, exclusive bool) (*store.Lease, context.Context, error) {
	ctx := c.Request().Context()
	lease, err := h.store.Open(ctx, h.sessionID(c), exclusive)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx, fmt.Errorf("client went away: %w", err)
		}
		return nil, ctx, echo.NewHTTPError(http.StatusServiceUnavailable, "session unavailable").SetInternal(err)
	}
	ctx = logging.WithSessionID(ctx, lease.ID())
	c.SetRequest(c.Request().WithContext(ctx))
	return lease, ctx, nil
}

func (h *Handler) count(mode string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ExchangesTotal.WithLabelValues(mode).Inc()
	}
}

func (h *Handler) handleGet(c echo.Context) error {
	v, err := h.negotiate(c)
	if err != nil {
		return err
	}
	if remote.IsReadOnly(c.Request().Header) {
		return h.readOnly(c, v)
	}
	return h.writeable(c, v)
}

func (h *Handler) readOnly(c echo.Context, v wire.Version) error {
	h.count("readonly")
	lease, ctx, err := h.open(c, false)
	if err != nil {
		return err
	}
	defer releaseQuietly(lease, false)

	_, span := h.tracer.Start(ctx, "Handler.ReadOnly",
		trace.WithAttributes(attribute.String("session.id", lease.ID())))
	defer span.End()

	data, err := h.codec.EncodeSnapshot(lease.State, v)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode session %s: %w", lease.ID(), err)
	}
	h.issueCookie(c, lease)
	return c.Blob(http.StatusOK, remote.ContentTypePayload, data)
}

func (h *Handler) writeable(c echo.Context, v wire.Version) error {
	h.count("writeable")
	lease, ctx, err := h.open(c, true)
	if err != nil {
		return err
	}
	id := lease.ID()

	done := make(chan bool, 1)
	unregister, err := h.locks.Register(id, lease.State, func(commit bool) { done <- commit })
	if err != nil {
		releaseQuietly(lease, false)
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	data, err := h.codec.EncodeSnapshot(lease.State, v)
	if err != nil {
		unregister()
		releaseQuietly(lease, false)
		return fmt.Errorf("encode session %s: %w", id, err)
	}

	h.issueCookie(c, lease)
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, remote.ContentTypePayload)
	res.WriteHeader(http.StatusOK)
	if err := wire.WriteFrame(res, data); err != nil {
		unregister()
		releaseQuietly(lease, false)
		return fmt.Errorf("write session frame: %w", err)
	}
	res.Flush()

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, h.timeout(lease.State))
	defer cancel()

	var commit bool
	select {
	case commit = <-done:
	case <-waitCtx.Done():
		if unregister() {
			h.logger.Debug("session released without commit",
				zap.String("session.id", id),
				zap.Error(waitCtx.Err()))
		} else {
			commit = <-done
		}
	}

	if h.opts.Metrics != nil {
		h.opts.Metrics.HoldSeconds.Observe(time.Since(start).Seconds())
	}
	if err := lease.Release(commit); err != nil {
		h.logger.Error("could not release session", zap.String("session.id", id), zap.Error(err))
	}
	return nil
}

func (h *Handler) handlePut(c echo.Context) error {
	if _, err := h.negotiate(c); err != nil {
		return err
	}
	id := h.sessionID(c)
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, remote.MsgNoSessionID)
	}

	req := c.Request()
	body := http.MaxBytesReader(c.Response(), req.Body, h.codec.MaxPayloadBytes())
	result := h.locks.Commit(logging.WithSessionID(req.Context(), id), id, body)
	if result != Success {
		return echo.NewHTTPError(http.StatusBadRequest, result.Message())
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) handlePost(c echo.Context) error {
	v, err := h.negotiate(c)
	if err != nil {
		return err
	}
	h.count("streaming")
	lease, ctx, err := h.open(c, true)
	if err != nil {
		return err
	}

	ctx, span := h.tracer.Start(ctx, "Handler.Streaming",
		trace.WithAttributes(attribute.String("session.id", lease.ID())))
	defer span.End()

	data, err := h.codec.EncodeSnapshot(lease.State, v)
	if err != nil {
		releaseQuietly(lease, false)
		return fmt.Errorf("encode session %s: %w", lease.ID(), err)
	}

	h.issueCookie(c, lease)
	res := c.Response()
	rc := http.NewResponseController(res.Writer)
	// HTTP/2 is always full duplex and reports ErrNotSupported here.
	_ = rc.EnableFullDuplex()

	res.Header().Set(echo.HeaderContentType, remote.ContentTypePayload)
	res.WriteHeader(http.StatusOK)
	if err := wire.WriteFrame(res, data); err != nil {
		releaseQuietly(lease, false)
		return fmt.Errorf("write session frame: %w", err)
	}
	res.Flush()

	result := h.receive(ctx, c, lease)
	if !result.Success {
		span.SetAttributes(attribute.String("result", result.Error()))
	}
	if err := lease.Release(result.Success); err != nil {
		h.logger.Error("could not release session", zap.String("session.id", lease.ID()), zap.Error(err))
	}
	return json.NewEncoder(res).Encode(result)
}

// receive reads the committed session from the request body and merges it
// into the lease.
func (h *Handler) receive(ctx context.Context, c echo.Context, lease *store.Lease) remote.CommitResult {
	waitCtx, cancel := context.WithTimeout(ctx, h.timeout(lease.State))
	defer cancel()

	type read struct {
		data []byte
		err  error
	}
	ch := make(chan read, 1)
	body := http.MaxBytesReader(c.Response(), c.Request().Body, h.codec.MaxPayloadBytes())
	go func() {
		data, err := io.ReadAll(body)
		ch <- read{data, err}
	}()

	var r read
	select {
	case r = <-ch:
	case <-waitCtx.Done():
		// Closing the body unblocks the reader.
		_ = c.Request().Body.Close()
		h.logger.Debug("streaming commit timed out", zap.String("session.id", lease.ID()))
		return remote.Failed(remote.MsgCommitFailed)
	}

	if r.err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(r.err, &tooLarge) {
			return remote.Failed(remote.MsgDeserializeFailed)
		}
		return remote.Failed(remote.MsgCommitFailed)
	}
	if len(r.data) == 0 {
		return remote.Failed(remote.MsgNoSessionData)
	}

	src, err := h.codec.Decode(r.data)
	if err != nil {
		h.logger.Warn("could not decode streamed session",
			zap.String("session.id", lease.ID()),
			zap.Error(err))
		if h.opts.Metrics != nil {
			h.opts.Metrics.CommitsTotal.WithLabelValues(DeserializationError.String()).Inc()
		}
		return remote.Failed(remote.MsgDeserializeFailed)
	}

	src.CopyTo(lease.State)
	if h.opts.Metrics != nil {
		h.opts.Metrics.CommitsTotal.WithLabelValues(Success.String()).Inc()
	}
	return remote.Succeeded()
}

func releaseQuietly(l *store.Lease, commit bool) {
	_ = l.Release(commit)
}
