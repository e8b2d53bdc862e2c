// Package config loads sessionbridge configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// SESSIONBRIDGE_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the complete configuration for both the daemon and sbctl.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Session   SessionConfig   `koanf:"session"`
	Remote    RemoteConfig    `koanf:"remote"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the legacy owner HTTP server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// H2C serves HTTP/2 over cleartext, which the single connection
	// transport needs when TLS terminates elsewhere.
	H2C bool `koanf:"h2c"`
	// RateLimit is requests per second per client IP; 0 disables it.
	RateLimit    float64 `koanf:"rate_limit"`
	APIKey       Secret  `koanf:"api_key"`
	APIKeyHeader string  `koanf:"api_key_header"`
}

// SessionConfig configures the session protocol on both sides.
type SessionConfig struct {
	CookieName               string   `koanf:"cookie_name"`
	EndpointPath             string   `koanf:"endpoint_path"`
	DefaultTimeout           Duration `koanf:"default_timeout"`
	ThrowOnUnknownSessionKey bool     `koanf:"throw_on_unknown_session_key"`
	MaxBodyBytes             int64    `koanf:"max_body_bytes"`
	ReapInterval             Duration `koanf:"reap_interval"`
	EnableSingleConnection   bool     `koanf:"enable_single_connection"`
	// JSONKeys are registered with the JSON serializer as untyped values.
	JSONKeys []string `koanf:"json_keys"`
	// BytesPrefixes select keys passed through as raw bytes.
	BytesPrefixes []string `koanf:"bytes_prefixes"`
}

// RemoteConfig configures the client side.
type RemoteConfig struct {
	URL                 string   `koanf:"url"`
	APIKey              Secret   `koanf:"api_key"`
	UseSingleConnection bool     `koanf:"use_single_connection"`
	MaxVersion          int      `koanf:"max_version"`
	Timeout             Duration `koanf:"timeout"`
}

// TelemetryConfig is the subset of OTLP settings exposed in the file.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	Insecure     bool    `koanf:"insecure"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// LoggingConfig is the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// Default header carrying the remote app API key.
const DefaultAPIKeyHeader = "X-SystemWebAdapter-RemoteAppAuthentication-Key"

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
			H2C:             true,
			APIKeyHeader:    DefaultAPIKeyHeader,
		},
		Session: SessionConfig{
			CookieName:             "ASP.NET_SessionId",
			EndpointPath:           "/systemweb-adapters/session",
			DefaultTimeout:         Duration(20 * time.Minute),
			MaxBodyBytes:           4 << 20,
			ReapInterval:           Duration(time.Minute),
			EnableSingleConnection: true,
		},
		Remote: RemoteConfig{
			URL:                 "http://127.0.0.1:9090",
			UseSingleConnection: true,
			MaxVersion:          2,
			Timeout:             Duration(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Endpoint:     "localhost:4317",
			Protocol:     "grpc",
			Insecure:     true,
			SamplingRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must be >= 0"))
	}
	if c.Server.APIKeyHeader == "" {
		errs = append(errs, errors.New("server.api_key_header is required"))
	}
	if c.Server.APIKey.IsSet() {
		if err := ValidateAPIKey(c.Server.APIKey); err != nil {
			errs = append(errs, fmt.Errorf("server.api_key: %w", err))
		}
	}

	if c.Session.CookieName == "" {
		errs = append(errs, errors.New("session.cookie_name is required"))
	}
	if !strings.HasPrefix(c.Session.EndpointPath, "/") {
		errs = append(errs, fmt.Errorf("session.endpoint_path must start with '/', got %q", c.Session.EndpointPath))
	}
	if c.Session.DefaultTimeout.Duration() < time.Minute {
		errs = append(errs, errors.New("session.default_timeout must be at least 1m"))
	}
	if c.Session.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("session.max_body_bytes must be positive"))
	}
	if c.Session.ReapInterval.Duration() <= 0 {
		errs = append(errs, errors.New("session.reap_interval must be positive"))
	}

	if c.Remote.URL != "" {
		u, err := url.Parse(c.Remote.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.url must be an absolute http(s) URL, got %q", c.Remote.URL))
		}
	}
	if c.Remote.APIKey.IsSet() {
		if err := ValidateAPIKey(c.Remote.APIKey); err != nil {
			errs = append(errs, fmt.Errorf("remote.api_key: %w", err))
		}
	}
	if c.Remote.MaxVersion != 1 && c.Remote.MaxVersion != 2 {
		errs = append(errs, fmt.Errorf("remote.max_version must be 1 or 2, got %d", c.Remote.MaxVersion))
	}
	if c.Remote.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("remote.timeout must be positive"))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ValidateAPIKey checks that key is a non-nil GUID.
func ValidateAPIKey(key Secret) error {
	id, err := uuid.Parse(key.Value())
	if err != nil {
		return errors.New("must be a GUID")
	}
	if id == uuid.Nil {
		return errors.New("must not be the nil GUID")
	}
	return nil
}

// Addr returns the listen address of the server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
