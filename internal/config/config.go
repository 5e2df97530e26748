// Package config handles TOML configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/session-proxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are admin routes and cannot host metrics.
var reservedPaths = []string{"/_sessions", "/healthz", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Hostname        string `kong:"help='Public proxy hostname embedded in proxy URLs (overrides config).',env='PROXY_HOSTNAME'"`
	Port            int    `kong:"short='p',help='Same-domain listen port (overrides config).',env='PORT'"`
	CrossDomainPort int    `kong:"help='Cross-domain listen port (overrides config).',env='CROSS_DOMAIN_PORT'"`
	AdminPort       int    `kong:"help='Admin API listen port (overrides config).',env='ADMIN_PORT'"`
	AdminToken      string `kong:"help='Bearer token required by the session API (overrides config).',env='ADMIN_TOKEN'"`
	LogLevel        string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Admin    AdminConfig    `toml:"admin"`
	Upstream UpstreamConfig `toml:"upstream"`
	Rewrite  RewriteConfig  `toml:"rewrite"`
	Sessions SessionsConfig `toml:"sessions"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string          `toml:"host"`
	Hostname        string          `toml:"hostname"` // host the browser reaches the proxy at
	Port            int             `toml:"port"`     // 0 means "use default" (1337); TOML cannot distinguish 0 from unset
	CrossDomainPort int             `toml:"cross_domain_port"`
	BodyMaxBytes    int64           `toml:"body_max_bytes"`
	RateLimit       RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// AdminConfig holds the admin listener. It serves the session API, health,
// status and metrics, and is never reachable through the proxy ports.
type AdminConfig struct {
	Host  string `toml:"host"`
	Port  int    `toml:"port"`  // 0 means server.port + 2
	Token string `toml:"token"` // optional bearer token for /_sessions
}

// UpstreamConfig holds destination connection settings.
type UpstreamConfig struct {
	TimeoutSeconds     int  `toml:"timeout_seconds"`
	IdleConnections    int  `toml:"idle_connections"`
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// RewriteConfig bounds content rewriting.
type RewriteConfig struct {
	MaxBodyBytes     int64 `toml:"max_body_bytes"` // larger bodies are relayed unprocessed
	RefererCacheSize int   `toml:"referer_cache_size"`
}

// SessionsConfig holds defaults for sessions created over the admin API.
type SessionsConfig struct {
	InjectableScripts []string `toml:"injectable_scripts"`
	InjectableStyles  []string `toml:"injectable_styles"`
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
// /etc/session-proxy/config.toml then configs/config.toml. If none exists the
// defaults are used.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}

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

	// The cross-domain and admin ports are derived from the port when unset.
	if cfg.Server.Port == cfg.Server.CrossDomainPort {
		return nil, fmt.Errorf("config: validate: server.port and server.cross_domain_port must differ; both are %d", cfg.Server.Port)
	}
	if cfg.Server.CrossDomainPort > 65535 {
		return nil, fmt.Errorf("config: validate: server.cross_domain_port must be 0–65535; got %d", cfg.Server.CrossDomainPort)
	}
	if cfg.Admin.Port == cfg.Server.Port || cfg.Admin.Port == cfg.Server.CrossDomainPort {
		return nil, fmt.Errorf("config: validate: admin.port must differ from the proxy ports; got %d", cfg.Admin.Port)
	}
	if cfg.Admin.Port > 65535 {
		return nil, fmt.Errorf("config: validate: admin.port must be 0–65535; got %d", cfg.Admin.Port)
	}
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Hostname != "" {
		c.Server.Hostname = cli.Hostname
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.CrossDomainPort != 0 {
		c.Server.CrossDomainPort = cli.CrossDomainPort
	}
	if cli.AdminPort != 0 {
		c.Admin.Port = cli.AdminPort
	}
	if cli.AdminToken != "" {
		c.Admin.Token = cli.AdminToken
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
	if c.Server.CrossDomainPort < 0 || c.Server.CrossDomainPort > 65535 {
		return fmt.Errorf("server.cross_domain_port must be 0–65535; got %d", c.Server.CrossDomainPort)
	}
	if c.Admin.Port < 0 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be 0–65535; got %d", c.Admin.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if strings.ContainsAny(c.Server.Hostname, "/:!") {
		return fmt.Errorf("server.hostname must be a bare hostname; got %q", c.Server.Hostname)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Rewrite.MaxBodyBytes < 0 {
		return fmt.Errorf("rewrite.max_body_bytes must be non-negative; got %d", c.Rewrite.MaxBodyBytes)
	}
	if c.Rewrite.RefererCacheSize < 0 {
		return fmt.Errorf("rewrite.referer_cache_size must be non-negative; got %d", c.Rewrite.RefererCacheSize)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	for _, p := range append(append([]string{}, c.Sessions.InjectableScripts...), c.Sessions.InjectableStyles...) {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("sessions injectable paths must start with '/'; got %q", p)
		}
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
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Hostname == "" {
		c.Server.Hostname = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 1337
	}
	if c.Server.CrossDomainPort == 0 {
		c.Server.CrossDomainPort = c.Server.Port + 1
	}
	if c.Admin.Host == "" {
		c.Admin.Host = "127.0.0.1"
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = c.Server.Port + 2
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Rewrite.MaxBodyBytes == 0 {
		c.Rewrite.MaxBodyBytes = 20 * 1024 * 1024 // 20 MB
	}
	if c.Rewrite.RefererCacheSize == 0 {
		c.Rewrite.RefererCacheSize = 1024
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

// Addr returns the same-domain listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CrossDomainAddr returns the cross-domain listen address as host:port.
func (c *ServerConfig) CrossDomainAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.CrossDomainPort)
}

// Addr returns the admin listen address as host:port.
func (c *AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("config file stat failed", "path", c.filePath, "err", err)
		}
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
