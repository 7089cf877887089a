// Package config handles relay configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret or session access token.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level relay configuration.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Auth         AuthConfig         `json:"auth"`
	Storage      StorageConfig      `json:"storage"`
	Session      SessionConfig      `json:"session"`
	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty"`
	Logging      LoggingConfig      `json:"logging"`
	RateLimit    RateLimitConfig    `json:"rate_limit,omitempty"`
}

// ServerConfig defines the relay's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// AuthConfig defines browser authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	Issuer       string        `json:"issuer,omitempty"`   // required when provider is jwks
	JWKSURL      string        `json:"jwks_url,omitempty"` // defaults to issuer + "/.well-known/jwks.json"
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver    string   `json:"driver"`              // "sqlite" (default) or "postgres"
	DSN       string   `json:"dsn"`                 // e.g. "hq.db" or ":memory:"
	Retention Duration `json:"retention,omitempty"` // transcript retention
}

// SessionConfig defines relay session behavior.
type SessionConfig struct {
	ConnectTimeout   Duration `json:"connect_timeout,omitempty"`     // agent must connect within this window
	KeepAlive        Duration `json:"keep_alive,omitempty"`          // agent keep_alive frame interval
	PingInterval     Duration `json:"ping_interval,omitempty"`       // browser WS ping interval
	PongTimeout      Duration `json:"pong_timeout,omitempty"`        // browser pong grace after a ping
	BufferCapacity   int      `json:"buffer_capacity,omitempty"`     // replay ring size per session
	MaxMessageBytes  int64    `json:"max_message_bytes,omitempty"`   // max WS message from a browser; default 64KB
	MaxAgentMsgBytes int64    `json:"max_agent_msg_bytes,omitempty"` // max WS message from an agent; default 1MB
}

// OrchestratorConfig defines how agent containers are launched.
type OrchestratorConfig struct {
	Mode     string `json:"mode,omitempty"`      // "http" or "none" (default)
	URL      string `json:"url,omitempty"`       // container-manager endpoint
	Token    string `json:"token,omitempty"`     // bearer for the container manager
	RelayURL string `json:"relay_url,omitempty"` // externally reachable agent WS base URL
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required when provider is jwks")
	}
	if c.Orchestrator.Mode == "http" && c.Orchestrator.URL == "" {
		return fmt.Errorf("orchestrator.url is required when mode is http")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "hq.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Session.ConnectTimeout.Duration == 0 {
		c.Session.ConnectTimeout.Duration = 2 * time.Minute
	}
	if c.Session.KeepAlive.Duration == 0 {
		c.Session.KeepAlive.Duration = 30 * time.Second
	}
	if c.Session.PingInterval.Duration == 0 {
		c.Session.PingInterval.Duration = 30 * time.Second
	}
	if c.Session.PongTimeout.Duration == 0 {
		c.Session.PongTimeout.Duration = 10 * time.Second
	}
	if c.Session.BufferCapacity == 0 {
		c.Session.BufferCapacity = 1000
	}
	if c.Session.MaxMessageBytes == 0 {
		c.Session.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Session.MaxAgentMsgBytes == 0 {
		c.Session.MaxAgentMsgBytes = 1024 * 1024 // 1MB
	}
	if c.Orchestrator.Mode == "" {
		c.Orchestrator.Mode = "none"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
