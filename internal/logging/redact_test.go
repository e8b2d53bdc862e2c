package logging

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/sessionbridge/internal/config"
)

func encodeWith(t *testing.T, cfg RedactionConfig, fields ...zap.Field) string {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)

	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Unix(0, 0), Message: "m"}, fields)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func TestRedactingEncoder(t *testing.T) {
	cfg := NewDefaultConfig().Redaction

	t.Run("field names", func(t *testing.T) {
		out := encodeWith(t, cfg,
			zap.String("api_key", "7d8a4f1c-0000-4000-8000-000000000000"),
			zap.String("X-SystemWebAdapter-RemoteAppAuthentication-Key", "abc"),
			zap.String("session.id", "visible"),
		)
		assert.NotContains(t, out, "7d8a4f1c")
		assert.NotContains(t, out, `"abc"`)
		assert.Contains(t, out, "visible")
	})

	t.Run("value patterns", func(t *testing.T) {
		out := encodeWith(t, cfg, zap.String("detail", "Authorization: Bearer abc.def"))
		assert.Contains(t, out, "[REDACTED:pattern]")
		assert.NotContains(t, out, "abc.def")
	})

	t.Run("disabled", func(t *testing.T) {
		out := encodeWith(t, RedactionConfig{}, zap.String("api_key", "plain"))
		assert.Contains(t, out, "plain")
	})

	t.Run("context fields", func(t *testing.T) {
		enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
		require.NoError(t, err)
		var buf bytes.Buffer
		core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.InfoLevel)
		zap.New(core).With(zap.String("token", "t0ken")).Info("x")
		assert.NotContains(t, buf.String(), "t0ken")
	})

	t.Run("long patterns are rejected", func(t *testing.T) {
		_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{
			Enabled:  true,
			Patterns: []string{string(bytes.Repeat([]byte("a"), maxPatternLen+1))},
		})
		assert.Error(t, err)
	})
}

func TestSecretAndRedactedString(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(t.Context(), "loaded",
		Secret("remote", config.Secret("super-secret-value")),
		RedactedString("api_key", "12345"))

	entries := tl.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, map[string]interface{}{"remote": "[REDACTED:18]"}, fields["remote"])
	assert.Equal(t, "[REDACTED:5]", fields["api_key"])
	tl.AssertNoSecrets(t)
}

func TestHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-SystemWebAdapter-RemoteAppAuthentication-Key", "secret-guid")
	h.Set("Cookie", "ASP.NET_SessionId=abc")
	h.Set("X-SystemWebAdapter-RemoteAppSession-Version", "2")

	enc := zapcore.NewMapObjectEncoder()
	require.NoError(t, Headers("headers", h).Interface.(zapcore.ObjectMarshaler).MarshalLogObject(enc))

	assert.Equal(t, "[REDACTED:11]", enc.Fields["X-Systemwebadapter-Remoteappauthentication-Key"])
	assert.Equal(t, "[REDACTED:21]", enc.Fields["Cookie"])
	assert.Equal(t, "2", enc.Fields["X-Systemwebadapter-Remoteappsession-Version"])
}
