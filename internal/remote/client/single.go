package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/fyrsmithlabs/sessionbridge/internal/remote"
	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

// errReadOnlyStreaming is returned when SingleConnection is asked for a
// read-only session, which only DoubleConnection serves.
var errReadOnlyStreaming = errors.New("single connection serves writeable sessions only")

// SingleConnection runs a writeable session as one HTTP/2 POST: the
// response starts with the snapshot, the request body carries the commit,
// and the response ends with the commit result.
type SingleConnection struct {
	conn
	client *http.Client
}

// NewSingleConnection creates the strategy. Plain http:// remotes are
// reached with HTTP/2 prior knowledge.
func NewSingleConnection(codec *wire.Codec, opts Options, logger *zap.Logger) *SingleConnection {
	c := newConn(codec, opts, logger, "single")
	return &SingleConnection{conn: c, client: &http.Client{Transport: newH2Transport(c.opts.BaseURL)}}
}

func newH2Transport(baseURL string) *http2.Transport {
	if strings.HasPrefix(baseURL, "https://") {
		return &http2.Transport{}
	}
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// Load opens the streaming exchange and returns once the snapshot arrived.
// The exchange is bound to ctx.
func (c *SingleConnection) Load(ctx context.Context, req Request) (h *Handle, err error) {
	if req.ReadOnly {
		return nil, errReadOnlyStreaming
	}

	ctx, span := c.tracer.Start(ctx, "SingleConnection.Load")
	start := time.Now()
	defer func() {
		endSpan(span, err)
		c.metrics.load(ctx, "single", mode(false), err, time.Since(start))
	}()

	pr, pw := io.Pipe()
	payloads := make(chan []byte, 1)
	go writeBody(ctx, pw, payloads)

	var sendOnce sync.Once
	finish := func(payload []byte) {
		sendOnce.Do(func() {
			if payload != nil {
				payloads <- payload
			}
			close(payloads)
		})
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, req.SessionID, pr)
	if err != nil {
		finish(nil)
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		finish(nil)
		if isNegotiationError(err) {
			return nil, fmt.Errorf("%w: %w", ErrSingleConnectionUnsupported, err)
		}
		return nil, fmt.Errorf("load remote session: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		finish(nil)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrSingleConnectionUnsupported, resp.Status)
	case resp.ProtoMajor != 2:
		finish(nil)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: negotiated %s", ErrSingleConnectionUnsupported, resp.Proto)
	case resp.StatusCode != http.StatusOK:
		finish(nil)
		return nil, statusError(resp)
	}

	abort := func() {
		finish(nil)
		resp.Body.Close()
	}

	v, err := c.accept(resp, req)
	if err != nil {
		abort()
		return nil, err
	}
	frame, err := wire.ReadFrame(resp.Body, c.codec.MaxPayloadBytes())
	if err != nil {
		abort()
		return nil, fmt.Errorf("read session snapshot: %w", err)
	}
	s, err := c.codec.Decode(frame)
	if err != nil {
		abort()
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", s.ID()))

	h = c.newHandle(s, v, false, "single")
	h.send = func(ctx context.Context, payload []byte) error {
		finish(payload)
		return c.result(ctx, resp.Body)
	}
	h.release = func() error {
		abort()
		return nil
	}
	return h, nil
}

// writeBody feeds the request body: it waits for the single commit payload,
// writes it, and ends the stream. A closed channel without a payload ends
// the stream empty.
func writeBody(ctx context.Context, pw *io.PipeWriter, payloads <-chan []byte) {
	select {
	case payload, ok := <-payloads:
		if !ok {
			pw.Close()
			return
		}
		_, err := pw.Write(payload)
		pw.CloseWithError(err)
	case <-ctx.Done():
		pw.CloseWithError(ctx.Err())
	}
}

// result reads the terminal commit result from the response.
func (c *SingleConnection) result(ctx context.Context, body io.ReadCloser) error {
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("read commit result: %w", ctx.Err())
		}
		return fmt.Errorf("read commit result: %w", err)
	}

	result, err := remote.DecodeCommitResult(data)
	if err != nil {
		return err
	}
	if !result.Success {
		return &CommitError{Message: result.Error()}
	}
	return nil
}

// isNegotiationError reports whether err came from HTTP/2 framing rather
// than from the network or the caller.
func isNegotiationError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var (
		connErr   http2.ConnectionError
		streamErr http2.StreamError
		goAway    http2.GoAwayError
	)
	switch {
	case errors.As(err, &connErr), errors.As(err, &streamErr), errors.As(err, &goAway):
		return true
	case errors.Is(err, http2.ErrFrameTooLarge):
		return true
	}
	return strings.Contains(err.Error(), "http2:")
}
