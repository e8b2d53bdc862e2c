// Package store is the legacy owner's canonical session store.
//
// Memory keeps sessions in process. A session is opened either read-only,
// which hands out a private copy, or exclusively, which additionally holds
// the session's lock until the lease is released. Writes made through an
// exclusive lease are published only when it is released with commit=true.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/session"
)

// ErrLeaseReleased is returned when a lease is released twice.
var ErrLeaseReleased = errors.New("session lease already released")

// Options configures a Memory store.
type Options struct {
	// DefaultTimeout applies to sessions without their own timeout.
	DefaultTimeout time.Duration
	// ReapInterval is how often Run looks for idle sessions.
	ReapInterval time.Duration
	Metrics      *Metrics
	// Deserializer decodes raw payloads merged into live sessions. Without
	// one, such keys can be forwarded but not read in process.
	Deserializer session.Deserializer
}

// Memory is an in-process session store with sliding expiration.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry

	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

type entry struct {
	state    *session.State
	lock     chan struct{}
	lastUsed time.Time
}

func (e *entry) timeout(def time.Duration) time.Duration {
	if e.state.Timeout > 0 {
		return e.state.Timeout
	}
	return def
}

// NewMemory creates an empty store.
func NewMemory(opts Options, logger *zap.Logger) *Memory {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = session.DefaultTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		entries: make(map[string]*entry),
		opts:    opts,
		logger:  logger.Named("store"),
		now:     time.Now,
	}
}

// Lease is an opened session. State is private to the lease.
type Lease struct {
	State *session.State

	store     *Memory
	id        string
	entry     *entry
	exclusive bool
	released  atomic.Bool
}

// ID returns the session id, which differs from the requested one when a
// new session was created.
func (l *Lease) ID() string { return l.id }

// Exclusive reports whether the lease holds the session lock.
func (l *Lease) Exclusive() bool { return l.exclusive }

// Open returns a lease on session id. An empty, unknown or expired id
// creates a new session with a fresh id and IsNewSession set. Exclusive
// opens wait for the current holder until ctx is done.
func (m *Memory) Open(ctx context.Context, id string, exclusive bool) (*Lease, error) {
	for {
		m.mu.Lock()
		e, isNew := m.lookupOrCreate(id)
		id = e.state.ID()
		m.mu.Unlock()

		if exclusive {
			if err := m.acquire(ctx, e); err != nil {
				return nil, err
			}
		}

		m.mu.Lock()
		if m.entries[id] != e {
			// Reaped or abandoned while waiting; start over with a new session.
			m.mu.Unlock()
			if exclusive {
				<-e.lock
			}
			id = ""
			continue
		}
		e.lastUsed = m.now()
		st := e.state.Clone()
		m.mu.Unlock()

		st.IsNewSession = isNew
		st.IsReadOnly = !exclusive
		return &Lease{State: st, store: m, id: id, entry: e, exclusive: exclusive}, nil
	}
}

func (m *Memory) stateOptions() []session.Option {
	if m.opts.Deserializer == nil {
		return nil
	}
	return []session.Option{
		session.WithDeserializer(m.opts.Deserializer),
		session.WithDecodeErrorHook(func(key string, err error) {
			m.logger.Warn("could not decode session value", zap.String("key", key), zap.Error(err))
		}),
	}
}

// lookupOrCreate must be called with mu held.
func (m *Memory) lookupOrCreate(id string) (*entry, bool) {
	if id != "" {
		if e, ok := m.entries[id]; ok {
			if m.now().Sub(e.lastUsed) <= e.timeout(m.opts.DefaultTimeout) || len(e.lock) > 0 {
				return e, false
			}
			m.remove(id, "expired")
		}
	}

	st := session.NewState(uuid.NewString(), m.stateOptions()...)
	st.Timeout = m.opts.DefaultTimeout
	e := &entry{
		state:    st,
		lock:     make(chan struct{}, 1),
		lastUsed: m.now(),
	}
	m.entries[st.ID()] = e
	if met := m.opts.Metrics; met != nil {
		met.CreatedTotal.Inc()
		met.Sessions.Set(float64(len(m.entries)))
	}
	return e, true
}

func (m *Memory) acquire(ctx context.Context, e *entry) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	default:
	}

	m.logger.Debug("waiting for session lock", zap.String("session.id", e.state.ID()))
	select {
	case e.lock <- struct{}{}:
		m.countWait("acquired")
		return nil
	case <-ctx.Done():
		m.countWait("canceled")
		return fmt.Errorf("wait for session lock: %w", ctx.Err())
	}
}

func (m *Memory) countWait(outcome string) {
	if m.opts.Metrics != nil {
		m.opts.Metrics.LockWaitTotal.WithLabelValues(outcome).Inc()
	}
}

// Release ends the lease. With commit set, an exclusive lease publishes its
// State, or deletes the session when it was abandoned. Read-only leases
// only refresh the idle timer.
func (l *Lease) Release(commit bool) error {
	if !l.released.CompareAndSwap(false, true) {
		return ErrLeaseReleased
	}
	m := l.store

	m.mu.Lock()
	if m.entries[l.id] == l.entry {
		l.entry.lastUsed = m.now()
		if l.exclusive && commit {
			if l.State.IsAbandoned {
				m.remove(l.id, "abandoned")
			} else {
				st := l.State.Clone()
				st.IsNewSession = false
				st.IsReadOnly = false
				l.entry.state = st
			}
		}
	}
	m.mu.Unlock()

	if l.exclusive {
		<-l.entry.lock
	}
	return nil
}

// remove must be called with mu held.
func (m *Memory) remove(id, reason string) {
	delete(m.entries, id)
	m.logger.Debug("session removed", zap.String("session.id", id), zap.String("reason", reason))
	if met := m.opts.Metrics; met != nil {
		switch reason {
		case "expired":
			met.ExpiredTotal.Inc()
		case "abandoned":
			met.AbandonTotal.Inc()
		}
		met.Sessions.Set(float64(len(m.entries)))
	}
}

// Len returns the number of stored sessions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reap removes sessions idle for longer than their timeout and returns how
// many were removed. Locked sessions are never reaped.
func (m *Memory) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for id, e := range m.entries {
		if len(e.lock) > 0 {
			continue
		}
		if now.Sub(e.lastUsed) > e.timeout(m.opts.DefaultTimeout) {
			m.remove(id, "expired")
			n++
		}
	}
	return n
}

// Run reaps idle sessions every ReapInterval until ctx is done.
func (m *Memory) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Reap(); n > 0 {
				m.logger.Info("reaped idle sessions", zap.Int("count", n))
			}
		}
	}
}
