package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/remote"
	"github.com/fyrsmithlabs/sessionbridge/internal/session"
	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

// DoubleConnection loads with a GET and commits with a PUT. A writeable
// load keeps its GET open as the remote lock until the handle is closed.
type DoubleConnection struct {
	conn
}

// NewDoubleConnection creates the strategy.
func NewDoubleConnection(codec *wire.Codec, opts Options, logger *zap.Logger) *DoubleConnection {
	return &DoubleConnection{conn: newConn(codec, opts, logger, "double")}
}

// Load fetches the session. For writeable loads the held GET is bound to
// ctx; canceling it releases the remote lock.
func (d *DoubleConnection) Load(ctx context.Context, req Request) (h *Handle, err error) {
	ctx, span := d.tracer.Start(ctx, "DoubleConnection.Load", trace.WithAttributes(
		attribute.Bool("read_only", req.ReadOnly),
	))
	start := time.Now()
	defer func() {
		endSpan(span, err)
		d.metrics.load(ctx, "double", mode(req.ReadOnly), err, time.Since(start))
	}()

	holdCtx, cancel := context.WithCancel(ctx)
	defer func() {
		if err != nil || req.ReadOnly {
			cancel()
		}
	}()

	httpReq, err := d.newRequest(holdCtx, http.MethodGet, req.SessionID, nil)
	if err != nil {
		return nil, err
	}
	if req.ReadOnly {
		httpReq.Header.Set(remote.ReadOnlyHeader, "true")
	}

	resp, err := d.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("load remote session: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	v, err := d.accept(resp, req)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	if req.ReadOnly {
		defer resp.Body.Close()
		s, err := d.codec.DecodeFrom(resp.Body)
		if err != nil {
			return nil, err
		}
		return d.newHandle(s, v, true, "double"), nil
	}

	frame, err := wire.ReadFrame(resp.Body, d.codec.MaxPayloadBytes())
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("read session snapshot: %w", err)
	}
	s, err := d.codec.Decode(frame)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", s.ID()))

	var applied atomic.Bool
	h = d.newHandle(s, v, false, "double")
	h.send = func(ctx context.Context, payload []byte) error {
		if err := d.put(ctx, s, payload); err != nil {
			return err
		}
		applied.Store(true)
		return nil
	}
	h.release = func() error {
		defer cancel()
		if !applied.Load() {
			// The server holds the response until commit, so abort the
			// GET instead of waiting for its end.
			cancel()
			_ = resp.Body.Close()
			return nil
		}
		// The server ends the locking response once the commit is applied.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return resp.Body.Close()
	}
	return h, nil
}

func (d *DoubleConnection) put(ctx context.Context, s *session.State, payload []byte) error {
	req, err := d.newRequest(ctx, http.MethodPut, s.ID(), bytes.NewReader(payload))
	if err != nil {
		return err
	}

	resp, err := d.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("commit remote session: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		msg := errorMessage(resp.Body)
		d.logger.Debug("commit rejected", zap.String("session.id", s.ID()), zap.String("reason", msg))
		return &CommitError{Message: msg}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return statusError(resp)
	}
	return nil
}

func mode(readOnly bool) string {
	if readOnly {
		return "readonly"
	}
	return "writeable"
}
