package handler

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/remote"
	"github.com/fyrsmithlabs/sessionbridge/internal/session"
	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

// ErrSessionLocked is returned when a session is already registered.
var ErrSessionLocked = errors.New("session is already locked by another request")

// Result is the outcome of a commit through the lock table.
type Result int

const (
	Success Result = iota
	SessionNotFound
	AlreadyUpdated
	DeserializationError
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case SessionNotFound:
		return "session_not_found"
	case AlreadyUpdated:
		return "already_updated"
	case DeserializationError:
		return "deserialization_error"
	default:
		return "unknown"
	}
}

// Message returns the description sent to the client.
func (r Result) Message() string {
	switch r {
	case SessionNotFound:
		return remote.MsgSessionNotFound
	case AlreadyUpdated:
		return remote.MsgAlreadyUpdated
	case DeserializationError:
		return remote.MsgDeserializeFailed
	default:
		return ""
	}
}

// Decoder turns a commit payload into a session.
type Decoder interface {
	DecodeFrom(r io.Reader) (*session.State, error)
}

type lockEntry struct {
	state   *session.State
	release func(commit bool)
	claimed atomic.Bool
}

// LockTable tracks sessions held open by writeable GETs until the matching
// PUT commits them.
type LockTable struct {
	entries sync.Map
	count   atomic.Int64

	decoder Decoder
	tracer  trace.Tracer
	metrics *Metrics
	logger  *zap.Logger
}

// NewLockTable creates an empty table. metrics may be nil.
func NewLockTable(decoder Decoder, tracer trace.Tracer, metrics *Metrics, logger *zap.Logger) *LockTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noopTracer
	}
	return &LockTable{
		decoder: decoder,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger.Named("locks"),
	}
}

// Register holds state under id. release is called exactly once if a commit
// claims the entry, with commit reporting whether the payload was merged.
//
// The returned unregister removes the entry and reports whether it did so
// before any commit claimed it. When it returns false a claiming commit is
// in flight and release will still be called.
func (t *LockTable) Register(id string, state *session.State, release func(commit bool)) (func() bool, error) {
	e := &lockEntry{state: state, release: release}
	if _, loaded := t.entries.LoadOrStore(id, e); loaded {
		if t.metrics != nil {
			t.metrics.LockConflicts.Inc()
		}
		return nil, ErrSessionLocked
	}
	t.added()

	unregister := func() bool {
		if !e.claimed.CompareAndSwap(false, true) {
			return false
		}
		t.remove(id, e)
		return true
	}
	return unregister, nil
}

// Commit merges payload into the session registered under id. The first
// commit claims the entry; later ones see AlreadyUpdated until it is
// removed, and SessionNotFound after that.
func (t *LockTable) Commit(ctx context.Context, id string, payload io.Reader) Result {
	_, span := t.tracer.Start(ctx, "LockTable.Commit",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	result := t.commit(id, payload, span)
	span.SetAttributes(attribute.String("result", result.String()))
	if result != Success {
		span.SetStatus(codes.Error, result.String())
	}
	if t.metrics != nil {
		t.metrics.CommitsTotal.WithLabelValues(result.String()).Inc()
	}
	return result
}

func (t *LockTable) commit(id string, payload io.Reader, span trace.Span) Result {
	v, ok := t.entries.Load(id)
	if !ok {
		return SessionNotFound
	}
	e := v.(*lockEntry)
	if !e.claimed.CompareAndSwap(false, true) {
		return AlreadyUpdated
	}
	defer t.remove(id, e)

	src, err := t.decoder.DecodeFrom(payload)
	if err != nil {
		span.RecordError(err)
		t.logger.Warn("could not decode committed session",
			zap.String("session.id", id),
			zap.Error(err))
		e.release(false)
		return DeserializationError
	}

	src.CopyTo(e.state)
	e.release(true)
	return Success
}

// Len returns the number of registered sessions.
func (t *LockTable) Len() int {
	return int(t.count.Load())
}

func (t *LockTable) added() {
	t.count.Add(1)
	if t.metrics != nil {
		t.metrics.LocksActive.Inc()
	}
}

func (t *LockTable) remove(id string, e *lockEntry) {
	if !t.entries.CompareAndDelete(id, e) {
		return
	}
	t.count.Add(-1)
	if t.metrics != nil {
		t.metrics.LocksActive.Dec()
	}
}

var _ Decoder = (*wire.Codec)(nil)
