package client

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/sessionbridge/internal/logging"
	"github.com/fyrsmithlabs/sessionbridge/internal/session"
)

type fakeManager struct {
	name  string
	err   error
	calls int
}

func (m *fakeManager) Load(_ context.Context, req Request) (*Handle, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &Handle{State: session.NewState(m.name), readOnly: req.ReadOnly, strategy: m.name}, nil
}

func TestDispatcher_ReadOnlyUsesDouble(t *testing.T) {
	single := &fakeManager{name: "single"}
	double := &fakeManager{name: "double"}
	d := NewDispatcher(single, double, nil, nil)

	h, err := d.Load(context.Background(), Request{ReadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "double", h.strategy)
	assert.Equal(t, 0, single.calls)
}

func TestDispatcher_WriteablePrefersSingle(t *testing.T) {
	single := &fakeManager{name: "single"}
	double := &fakeManager{name: "double"}
	d := NewDispatcher(single, double, nil, nil)

	h, err := d.Load(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "single", h.strategy)
	assert.Equal(t, 0, double.calls)
}

func TestDispatcher_FallbackLatch(t *testing.T) {
	logger := logging.NewTestLogger()
	single := &fakeManager{name: "single", err: fmt.Errorf("%w: 405 Method Not Allowed", ErrSingleConnectionUnsupported)}
	double := &fakeManager{name: "double"}
	d := NewDispatcher(single, double, nil, logger.Underlying())

	h, err := d.Load(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "double", h.strategy, "unsupported single connection retries on double")
	assert.True(t, d.FallenBack())

	for i := 0; i < 3; i++ {
		h, err = d.Load(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, "double", h.strategy)
	}
	assert.Equal(t, 1, single.calls, "the latch is one-way")
	assert.Equal(t, 4, double.calls)
	assert.Equal(t, 1, logger.FilterMessage("remote app does not support single connection sessions, using double connection").Len())
}

func TestDispatcher_OtherErrorsPropagate(t *testing.T) {
	boom := errors.New("connection refused")
	single := &fakeManager{name: "single", err: boom}
	double := &fakeManager{name: "double"}
	d := NewDispatcher(single, double, nil, nil)

	_, err := d.Load(context.Background(), Request{})
	assert.ErrorIs(t, err, boom)
	assert.False(t, d.FallenBack())
	assert.Equal(t, 0, double.calls)
}

func TestDispatcher_SingleDisabled(t *testing.T) {
	double := &fakeManager{name: "double"}
	d := NewDispatcher(nil, double, nil, nil)

	h, err := d.Load(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "double", h.strategy)
}

func TestHandle_CommitRules(t *testing.T) {
	t.Run("read-only", func(t *testing.T) {
		h := &Handle{State: session.NewState("s"), readOnly: true}
		assert.ErrorIs(t, h.Commit(context.Background()), ErrReadOnly)
	})

	t.Run("after close", func(t *testing.T) {
		h := &Handle{State: session.NewState("s")}
		require.NoError(t, h.Close())
		assert.ErrorIs(t, h.Commit(context.Background()), ErrClosed)
	})
}
