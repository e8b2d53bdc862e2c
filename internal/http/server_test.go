package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sessionbridge/internal/logging"
	"github.com/fyrsmithlabs/sessionbridge/internal/remote"
	"github.com/fyrsmithlabs/sessionbridge/internal/serializer"
)

const testAPIKey = "7b4c0b5e-4f4b-4a4c-9d2f-3b0a3c1e2d11"

// fakeRoutes stands in for the session handler.
type fakeRoutes struct{}

func (fakeRoutes) Register(e *echo.Echo, m ...echo.MiddlewareFunc) {
	e.GET(remote.DefaultEndpointPath, func(c echo.Context) error {
		return c.String(http.StatusOK, logging.RequestIDFromContext(c.Request().Context()))
	}, m...)
}

type fixedCounter int

func (c fixedCounter) Len() int { return int(c) }

func TestNewServer(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		cfg := &Config{
			Host: "localhost",
			Port: 9090,
		}

		server, err := NewServer(fakeRoutes{}, zap.NewNop(), cfg, Deps{})
		require.NoError(t, err)
		assert.NotNil(t, server)
		assert.NotNil(t, server.Echo())
		assert.Equal(t, cfg, server.config)
	})

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(fakeRoutes{}, zap.NewNop(), nil, Deps{})
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 9090, server.config.Port)
		assert.Equal(t, remote.APIKeyHeader, server.config.APIKeyHeader)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(fakeRoutes{}, nil, nil, Deps{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when routes are nil", func(t *testing.T) {
		_, err := NewServer(nil, zap.NewNop(), nil, Deps{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "session routes cannot be nil")
	})

	t.Run("rejects an api key that is not a GUID", func(t *testing.T) {
		_, err := NewServer(fakeRoutes{}, zap.NewNop(), &Config{APIKey: "hunter2"}, Deps{})
		assert.Error(t, err)
	})

	t.Run("warns when unauthenticated", func(t *testing.T) {
		logger := logging.NewTestLogger()
		_, err := NewServer(fakeRoutes{}, logger.Underlying(), nil, Deps{})
		require.NoError(t, err)
		logger.AssertLogged(t, zap.WarnLevel, "api key not configured")
	})
}

func TestHandleHealth(t *testing.T) {
	server, err := NewServer(fakeRoutes{}, zap.NewNop(), &Config{Version: "1.2.3"}, Deps{
		Sessions: fixedCounter(3),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, 3, resp.Sessions)
	assert.Equal(t, -1, resp.Locks)
}

func TestHandleUnknownKeys(t *testing.T) {
	t.Run("lists tracked keys", func(t *testing.T) {
		tracker := serializer.NewUnknownKeyTracker(1)
		tracker.Record("cart")
		tracker.Record("cart")
		tracker.Record("other")

		server, err := NewServer(fakeRoutes{}, zap.NewNop(), nil, Deps{UnknownKeys: tracker})
		require.NoError(t, err)

		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics/unknown-keys", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp UnknownKeysResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []serializer.UnknownKey{{Key: "cart", Count: 2}}, resp.Keys)
		assert.Equal(t, 1, resp.Dropped)
	})

	t.Run("empty without tracker", func(t *testing.T) {
		server := setupTestServer(t)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/diagnostics/unknown-keys", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"keys":[],"dropped":0}`, rec.Body.String())
	})
}

func TestAPIKeyGuardsSessionRoutes(t *testing.T) {
	server, err := NewServer(fakeRoutes{}, zap.NewNop(), &Config{APIKey: testAPIKey}, Deps{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"session without key", remote.DefaultEndpointPath, "", http.StatusUnauthorized},
		{"session with wrong key", remote.DefaultEndpointPath, "00000000-0000-0000-0000-000000000001", http.StatusUnauthorized},
		{"session with garbage key", remote.DefaultEndpointPath, "nope", http.StatusUnauthorized},
		{"session with key", remote.DefaultEndpointPath, testAPIKey, http.StatusOK},
		{"session with braced upper-case key", remote.DefaultEndpointPath, "{7B4C0B5E-4F4B-4A4C-9D2F-3B0A3C1E2D11}", http.StatusOK},
		{"diagnostics without key", "/diagnostics/unknown-keys", "", http.StatusUnauthorized},
		{"health is open", "/health", "", http.StatusOK},
		{"metrics are open", "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(remote.APIKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			server.echo.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID header", func(t *testing.T) {
		server := setupTestServer(t)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("request ID reaches the handler context", func(t *testing.T) {
		server := setupTestServer(t)

		req := httptest.NewRequest(http.MethodGet, remote.DefaultEndpointPath, nil)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), rec.Body.String())
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server := setupTestServer(t)

		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		req := httptest.NewRequest(http.MethodGet, "/panic", nil)
		rec := httptest.NewRecorder()

		assert.NotPanics(t, func() {
			server.echo.ServeHTTP(rec, req)
		})

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("rate limits by client", func(t *testing.T) {
		server, err := NewServer(fakeRoutes{}, zap.NewNop(), &Config{RateLimit: 1}, Deps{})
		require.NoError(t, err)

		codes := make([]int, 0, 5)
		for i := 0; i < 5; i++ {
			rec := httptest.NewRecorder()
			server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, remote.DefaultEndpointPath, nil))
			codes = append(codes, rec.Code)
		}
		assert.Contains(t, codes, http.StatusTooManyRequests)

		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "health is never rate limited")
	})
}

// setupTestServer creates a test server with default configuration.
func setupTestServer(t *testing.T) *Server {
	t.Helper()

	server, err := NewServer(fakeRoutes{}, zap.NewNop(), &Config{Host: "localhost", Port: 9090}, Deps{})
	require.NoError(t, err)

	return server
}
