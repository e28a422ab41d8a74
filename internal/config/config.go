// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the gateway process configuration. Defaults are provided via
// struct tags.
type Config struct {
	// Port the HTTP server listens on. ENV: PORT
	Port int `env:"PORT,default=3333"`
	// PublicURL is the externally visible base URL. When empty it is derived
	// from each request. ENV: PUBLIC_URL
	PublicURL string `env:"PUBLIC_URL"`

	// JWTSecret signs platform bearer tokens. ENV: JWT_SECRET
	JWTSecret string `env:"JWT_SECRET,default=slootai"`
	// BearerOIDCIssuer additionally accepts bearer tokens from this OpenID
	// provider, discovered via its well-known metadata. ENV: BEARER_OIDC_ISSUER
	BearerOIDCIssuer string `env:"BEARER_OIDC_ISSUER"`
	// BearerJWKSURL accepts tokens verified against this key set without
	// discovery. ENV: BEARER_JWKS_URL
	BearerJWKSURL string `env:"BEARER_JWKS_URL"`
	// BearerOIDCAudience is required in "aud" of IdP tokens when set.
	// ENV: BEARER_OIDC_AUDIENCE
	BearerOIDCAudience string `env:"BEARER_OIDC_AUDIENCE"`

	// OAuthLoginURL is the external consent page. OAuth routes are only
	// mounted when it is set. ENV: OAUTH_LOGIN_URL
	OAuthLoginURL string `env:"OAUTH_LOGIN_URL"`
	// OAuthSigningSecret signs OAuth tokens with HS256. Falls back to
	// JWTSecret. ENV: OAUTH_SIGNING_SECRET
	OAuthSigningSecret string `env:"OAUTH_SIGNING_SECRET"`
	// OAuthSigningKeyFile is a PEM private key; when set tokens are signed
	// asymmetrically and a JWKS is published. ENV: OAUTH_SIGNING_KEY_FILE
	OAuthSigningKeyFile string `env:"OAUTH_SIGNING_KEY_FILE"`

	// RedisAddr like "localhost:6379". When empty OAuth state is kept in
	// memory. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// RedisKeyPrefix for all keys. ENV: REDIS_KEY_PREFIX
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=mcpgw:"`
	// MemoryMaxItems bounds the in-memory store. ENV: MEMORY_MAX_ITEMS
	MemoryMaxItems int `env:"MEMORY_MAX_ITEMS,default=100000"`

	// TenantDBPath selects the SQLite tenant store. ENV: TENANT_DB_PATH
	TenantDBPath string `env:"TENANT_DB_PATH"`
	// TenantFile selects the YAML tenant store. ENV: TENANT_FILE
	TenantFile string `env:"TENANT_FILE"`

	// ToolExecutorURL is the platform tool service. ENV: TOOL_EXECUTOR_URL
	ToolExecutorURL string `env:"TOOL_EXECUTOR_URL,default=http://slootapi:3001"`
	// ExecutorTimeout bounds one upstream tool call. ENV: EXECUTOR_TIMEOUT
	ExecutorTimeout time.Duration `env:"EXECUTOR_TIMEOUT,default=60s"`

	PipedreamClientID     string `env:"PIPEDREAM_CLIENT_ID"`
	PipedreamClientSecret string `env:"PIPEDREAM_CLIENT_SECRET"`
	PipedreamProjectID    string `env:"PIPEDREAM_PROJECT_ID"`
	PipedreamEnvironment  string `env:"PIPEDREAM_ENVIRONMENT,default=production"`

	// SessionIdleTimeout closes sessions without traffic. Zero disables it.
	// ENV: SESSION_IDLE_TIMEOUT
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT,default=1h"`
	// ShutdownTimeout bounds graceful shutdown. ENV: SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`

	// LogLevel is one of debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is json or text. ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET must not be empty")
	}
	if c.TenantDBPath != "" && c.TenantFile != "" {
		return errors.New("TENANT_DB_PATH and TENANT_FILE are mutually exclusive")
	}
	if c.BearerOIDCIssuer != "" && c.BearerJWKSURL != "" {
		return errors.New("BEARER_OIDC_ISSUER and BEARER_JWKS_URL are mutually exclusive")
	}
	for name, raw := range map[string]string{
		"PUBLIC_URL":         c.PublicURL,
		"OAUTH_LOGIN_URL":    c.OAuthLoginURL,
		"TOOL_EXECUTOR_URL":  c.ToolExecutorURL,
		"BEARER_OIDC_ISSUER": c.BearerOIDCIssuer,
		"BEARER_JWKS_URL":    c.BearerJWKSURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s %q is not an absolute URL", name, raw)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT %q must be json or text", c.LogFormat)
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lv, nil
}

// OAuthEnabled reports whether the OAuth variant should be served.
func (c *Config) OAuthEnabled() bool { return c.OAuthLoginURL != "" }

// IdPEnabled reports whether external IdP bearer tokens are accepted.
func (c *Config) IdPEnabled() bool { return c.BearerOIDCIssuer != "" || c.BearerJWKSURL != "" }

// ActionsEnabled reports whether third-party action credentials are present.
func (c *Config) ActionsEnabled() bool {
	return c.PipedreamClientID != "" && c.PipedreamClientSecret != "" && c.PipedreamProjectID != ""
}
