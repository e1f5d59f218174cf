// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/riona-relay/config.toml",
	"configs/config.toml",
}

const (
	// DefaultBackend is the agent backend the dashboard talks to when nothing is configured.
	DefaultBackend = "http://localhost:3099"
	// DefaultMountPrefix is the path the relay is mounted under.
	DefaultMountPrefix = "/api/riona"
	// DefaultStreamMarker identifies log-stream sub-paths.
	DefaultStreamMarker = "/logs/stream"
	// EnvelopePath is the route of the JSON envelope proxy.
	EnvelopePath = "/api/proxy"
	// DefaultBodyMaxBytes caps inbound bodies and buffered envelope responses.
	DefaultBodyMaxBytes = 10 * 1024 * 1024
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	Backend  string `kong:"short='b',help='Backend origin URL (overrides config).',env='RIONA_BACKEND'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Relay    RelayConfig    `toml:"relay"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the backend origin and connection settings.
// There is deliberately no overall request timeout: log streams stay open.
type UpstreamConfig struct {
	BaseURL                      string `toml:"base_url"`
	ConnectTimeoutSeconds        int    `toml:"connect_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int    `toml:"response_header_timeout_seconds"`
}

// RelayConfig controls what the relay exposes and how streams are shaped.
type RelayConfig struct {
	MountPrefix   string            `toml:"mount_prefix"`
	StreamMarker  string            `toml:"stream_marker"`
	StreamHeaders map[string]string `toml:"stream_headers"`
	Envelope      bool              `toml:"envelope"`
	Allow         []AllowRule       `toml:"allow"`
}

// AllowRule is one allow-list entry. Exactly one field must be set.
type AllowRule struct {
	Exact   string `toml:"exact"`
	Prefix  string `toml:"prefix"`
	Pattern string `toml:"pattern"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/riona-relay/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Backend != "" {
		c.Upstream.BaseURL = cli.Backend
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil {
			return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
		}
		if u.Host == "" {
			return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
		}
		if u.RawQuery != "" || u.Fragment != "" {
			return fmt.Errorf("upstream.base_url must not carry a query or fragment; got %q", c.Upstream.BaseURL)
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.ConnectTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.connect_timeout_seconds must be non-negative; got %d", c.Upstream.ConnectTimeoutSeconds)
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_header_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseHeaderTimeoutSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if err := c.Relay.validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.reservedRoutes() {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (r *RelayConfig) validate() error {
	if p := r.MountPrefix; p != "" {
		if p[0] != '/' {
			return fmt.Errorf("relay.mount_prefix must start with '/'; got %q", p)
		}
		if p == "/" || strings.HasSuffix(p, "/") {
			return fmt.Errorf("relay.mount_prefix must not be '/' or end with '/'; got %q", p)
		}
		// A prefix equal to or above a fixed route would let that route
		// shadow a backend sub-path of the same name.
		for _, reserved := range fixedRoutes {
			if p == reserved || strings.HasPrefix(reserved, p+"/") {
				return fmt.Errorf("relay.mount_prefix %q conflicts with reserved route %q", p, reserved)
			}
		}
	}
	if m := r.StreamMarker; m != "" && m[0] != '/' {
		return fmt.Errorf("relay.stream_marker must start with '/'; got %q", m)
	}

	var errs []error
	for i, rule := range r.Allow {
		if err := rule.validate(); err != nil {
			errs = append(errs, fmt.Errorf("relay.allow[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (a AllowRule) validate() error {
	set := 0
	for _, v := range []string{a.Exact, a.Prefix, a.Pattern} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of exact, prefix, pattern must be set; got %d", set)
	}
	if a.Pattern != "" {
		if _, err := regexp.Compile(a.Pattern); err != nil {
			return fmt.Errorf("pattern %q: %w", a.Pattern, err)
		}
		return nil
	}
	if p := a.Exact + a.Prefix; p[0] != '/' {
		return fmt.Errorf("path must start with '/'; got %q", p)
	}
	return nil
}

// fixedRoutes are served by the relay itself, outside the mount prefix.
var fixedRoutes = []string{"/healthz", "/relay/status", EnvelopePath}

// reservedRoutes lists the routes the metrics endpoint must not shadow.
func (c *Config) reservedRoutes() []string {
	prefix := c.Relay.MountPrefix
	if prefix == "" {
		prefix = DefaultMountPrefix
	}
	return append([]string{prefix}, fixedRoutes...)
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = DefaultBodyMaxBytes
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultBackend
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 300
	}
	if c.Relay.MountPrefix == "" {
		c.Relay.MountPrefix = DefaultMountPrefix
	}
	if c.Relay.StreamMarker == "" {
		c.Relay.StreamMarker = DefaultStreamMarker
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RedactedBaseURL returns the backend origin with any password masked.
func (c *UpstreamConfig) RedactedBaseURL() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return c.BaseURL
	}
	return u.Redacted()
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The backend origin may embed credentials, so the file is treated as a secret.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}

	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
