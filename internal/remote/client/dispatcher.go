package client

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/wire"
)

// Dispatcher routes loads to a strategy. Read-only loads always use the
// double connection. Writeable loads try the single connection until the
// remote app rejects it once; from then on every load falls back.
type Dispatcher struct {
	single   Manager
	double   Manager
	fallback atomic.Bool
	metrics  *Metrics
	logger   *zap.Logger
}

// New builds a Dispatcher over both strategies as configured by opts.
func New(codec *wire.Codec, opts Options, logger *zap.Logger) *Dispatcher {
	var single Manager
	if opts.UseSingleConnection {
		single = NewSingleConnection(codec, opts, logger)
	}
	return NewDispatcher(single, NewDoubleConnection(codec, opts, logger), NewMetrics(opts.MeterProvider, logger), logger)
}

// NewDispatcher creates a Dispatcher. single may be nil to disable the
// streaming exchange.
func NewDispatcher(single, double Manager, metrics *Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		single:  single,
		double:  double,
		metrics: metrics,
		logger:  logger.Named("dispatcher"),
	}
}

// Load implements Manager.
func (d *Dispatcher) Load(ctx context.Context, req Request) (*Handle, error) {
	if req.ReadOnly || d.single == nil || d.fallback.Load() {
		return d.double.Load(ctx, req)
	}

	h, err := d.single.Load(ctx, req)
	if !errors.Is(err, ErrSingleConnectionUnsupported) {
		return h, err
	}

	if d.fallback.CompareAndSwap(false, true) {
		d.logger.Warn("remote app does not support single connection sessions, using double connection",
			zap.Error(err))
	}
	d.metrics.fallback(ctx)
	return d.double.Load(ctx, req)
}

// FallenBack reports whether the single connection strategy was disabled.
func (d *Dispatcher) FallenBack() bool {
	return d.fallback.Load()
}

var _ Manager = (*Dispatcher)(nil)
