package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{zap: zap.New(core), config: NewDefaultConfig()}, logs
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))

	t.Run("otel only without provider", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Output = OutputConfig{OTEL: true}
		_, err := NewLogger(cfg, nil)
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Format = "xml"
		_, err := NewLogger(cfg, nil)
		assert.ErrorContains(t, err, "format")
	})
}

func TestLogger_Levels(t *testing.T) {
	logger, logs := observed(TraceLevel)
	ctx := context.Background()

	tests := []struct {
		name  string
		log   func()
		level zapcore.Level
	}{
		{"trace", func() { logger.Trace(ctx, "msg", zap.String("k", "v")) }, TraceLevel},
		{"debug", func() { logger.Debug(ctx, "msg", zap.String("k", "v")) }, zapcore.DebugLevel},
		{"info", func() { logger.Info(ctx, "msg", zap.String("k", "v")) }, zapcore.InfoLevel},
		{"warn", func() { logger.Warn(ctx, "msg", zap.String("k", "v")) }, zapcore.WarnLevel},
		{"error", func() { logger.Error(ctx, "msg", zap.String("k", "v")) }, zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs.TakeAll()
			tt.log()
			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			assert.Equal(t, "v", entries[0].ContextMap()["k"])
		})
	}
}

func TestLogger_ChildLoggers(t *testing.T) {
	logger, logs := observed(zapcore.InfoLevel)

	logger.Named("wire").With(zap.String("component", "codec")).Info(context.Background(), "hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "wire", entries[0].LoggerName)
	assert.Equal(t, "codec", entries[0].ContextMap()["component"])
}

func TestContextFields(t *testing.T) {
	logger, logs := observed(zapcore.InfoLevel)

	ctx := WithSessionID(context.Background(), "abc123")
	ctx = WithRequestID(ctx, "req-1")
	logger.Info(ctx, "with ids")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "abc123", fields["session.id"])
	assert.Equal(t, "req-1", fields["request.id"])

	t.Run("invalid ids are ignored", func(t *testing.T) {
		for _, id := range []string{"", "a b", "x\ny", string(make([]byte, 200))} {
			ctx := WithSessionID(context.Background(), id)
			assert.Empty(t, SessionIDFromContext(ctx))
		}
	})

	t.Run("logger in context", func(t *testing.T) {
		ctx := WithLogger(context.Background(), logger)
		assert.Same(t, logger, FromContext(ctx))
		assert.NotNil(t, FromContext(context.Background()))
	})
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "commit finished", zap.String("result", "success"))

	tl.AssertLogged(t, zapcore.InfoLevel, "commit")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "commit")
	tl.AssertField(t, "commit finished", "result", "success")
	tl.AssertNoSecrets(t)

	tl.Reset()
	assert.Empty(t, tl.All())
}
