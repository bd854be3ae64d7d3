// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/exchange-gateway/config.toml",
	"configs/config.toml",
}

// Reserved paths served by the gateway itself.
const (
	HealthPath = "/healthz"
	StatusPath = "/gateway/status"
)

// Values accepted by headers.forwarded.
const (
	ForwardedXForwarded = "x-forwarded"
	ForwardedRFC7239    = "forwarded"
	ForwardedNone       = "none"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Headers  HeadersConfig  `toml:"headers"`
	Routes   []RouteConfig  `toml:"route"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds backend connection settings for the HTTP transport.
type UpstreamConfig struct {
	TimeoutSeconds               int `toml:"timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"`
	IdleConnections              int `toml:"idle_connections"`
}

// HeadersConfig controls the header filters applied around each exchange.
type HeadersConfig struct {
	// Forwarded selects how client information is passed upstream:
	// "x-forwarded", "forwarded" (RFC 7239) or "none".
	Forwarded string `toml:"forwarded"`
	// ResponseAllow restricts relayed response headers. Empty relays every
	// end-to-end header.
	ResponseAllow []string `toml:"response_allow"`
}

// RouteConfig maps an inbound path prefix to a backend URI.
type RouteConfig struct {
	Name        string `toml:"name"`
	PathPrefix  string `toml:"path_prefix"`
	URI         string `toml:"uri"`
	StripPrefix bool   `toml:"strip_prefix"`
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
// /etc/exchange-gateway/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.response_header_timeout_seconds must be non-negative; got %d", c.Upstream.ResponseHeaderTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Headers.Forwarded) {
	case ForwardedXForwarded, ForwardedRFC7239, ForwardedNone, "":
		// valid
	default:
		return fmt.Errorf("headers.forwarded must be one of: x-forwarded, forwarded, none; got %q", c.Headers.Forwarded)
	}

	if err := c.validateRoutes(); err != nil {
		return err
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range c.reservedPaths() {
			if underPrefix(p, reserved) {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateRoutes() error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one [[route]] is required")
	}

	seen := make(map[string]string, len(c.Routes))
	for i, r := range c.Routes {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}

		if r.PathPrefix == "" || r.PathPrefix[0] != '/' {
			return fmt.Errorf("route %s: path_prefix must start with '/'; got %q", label, r.PathPrefix)
		}
		prefix := normalizePrefix(r.PathPrefix)
		for _, reserved := range []string{HealthPath, StatusPath} {
			if underPrefix(prefix, reserved) {
				return fmt.Errorf("route %s: path_prefix %q conflicts with reserved route %q", label, r.PathPrefix, reserved)
			}
		}
		if other, dup := seen[prefix]; dup {
			return fmt.Errorf("route %s: path_prefix %q already used by route %s", label, r.PathPrefix, other)
		}
		seen[prefix] = label

		if r.URI == "" {
			return fmt.Errorf("route %s: uri is required", label)
		}
		u, err := url.Parse(r.URI)
		if err != nil {
			return fmt.Errorf("route %s: uri is not a valid URL: %w", label, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("route %s: uri must use http or https; got %q", label, r.URI)
		}
		if u.Host == "" {
			return fmt.Errorf("route %s: uri must include a host; got %q", label, r.URI)
		}
	}
	return nil
}

// reservedPaths returns paths that proxied routes and metrics may not shadow.
func (c *Config) reservedPaths() []string {
	paths := []string{HealthPath, StatusPath}
	for _, r := range c.Routes {
		if p := normalizePrefix(r.PathPrefix); p != "/" {
			paths = append(paths, p)
		}
	}
	return paths
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8080).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Headers.Forwarded == "" {
		c.Headers.Forwarded = ForwardedXForwarded
	}
	c.Headers.Forwarded = strings.ToLower(c.Headers.Forwarded)
	for i := range c.Routes {
		c.Routes[i].PathPrefix = normalizePrefix(c.Routes[i].PathPrefix)
		if c.Routes[i].Name == "" {
			c.Routes[i].Name = c.Routes[i].PathPrefix
		}
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

// normalizePrefix drops trailing slashes except for the root prefix.
func normalizePrefix(p string) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// underPrefix reports whether p equals prefix or lies beneath it.
func underPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
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

// WarnPermissions logs a warning if the config file is readable by group or others.
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
