package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
hostname = "proxy.test"
port = 9000
cross_domain_port = 9001
body_max_bytes = 5242880

[admin]
host = "10.0.0.5"
port = 9100
token = "s3cret"

[upstream]
timeout_seconds = 60
idle_connections = 50
insecure_skip_verify = true

[rewrite]
max_body_bytes = 1048576
referer_cache_size = 64

[sessions]
injectable_scripts = ["/hammer.js", "/driver.js"]
injectable_styles = ["/ui.css"]

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Hostname != "proxy.test" {
		t.Errorf("Server.Hostname = %q, want %q", cfg.Server.Hostname, "proxy.test")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Server.CrossDomainPort != 9001 {
		t.Errorf("Server.CrossDomainPort = %d, want %d", cfg.Server.CrossDomainPort, 9001)
	}
	if cfg.Admin.Addr() != "10.0.0.5:9100" {
		t.Errorf("Admin.Addr() = %q, want %q", cfg.Admin.Addr(), "10.0.0.5:9100")
	}
	if cfg.Admin.Token != "s3cret" {
		t.Errorf("Admin.Token = %q, want %q", cfg.Admin.Token, "s3cret")
	}
	if cfg.Upstream.TimeoutSeconds != 60 {
		t.Errorf("Upstream.TimeoutSeconds = %d, want %d", cfg.Upstream.TimeoutSeconds, 60)
	}
	if !cfg.Upstream.InsecureSkipVerify {
		t.Error("Upstream.InsecureSkipVerify = false, want true")
	}
	if cfg.Rewrite.MaxBodyBytes != 1048576 {
		t.Errorf("Rewrite.MaxBodyBytes = %d, want %d", cfg.Rewrite.MaxBodyBytes, 1048576)
	}
	if cfg.Rewrite.RefererCacheSize != 64 {
		t.Errorf("Rewrite.RefererCacheSize = %d, want %d", cfg.Rewrite.RefererCacheSize, 64)
	}
	if got := strings.Join(cfg.Sessions.InjectableScripts, ","); got != "/hammer.js,/driver.js" {
		t.Errorf("Sessions.InjectableScripts = %q, want %q", got, "/hammer.js,/driver.js")
	}
	if got := strings.Join(cfg.Sessions.InjectableStyles, ","); got != "/ui.css" {
		t.Errorf("Sessions.InjectableStyles = %q, want %q", got, "/ui.css")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "verbose"
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for invalid log level, got nil")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "# empty\n")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Hostname != "localhost" {
		t.Errorf("default Server.Hostname = %q, want %q", cfg.Server.Hostname, "localhost")
	}
	if cfg.Server.Port != 1337 {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, 1337)
	}
	if cfg.Server.CrossDomainPort != 1338 {
		t.Errorf("default Server.CrossDomainPort = %d, want %d", cfg.Server.CrossDomainPort, 1338)
	}
	if cfg.Admin.Host != "127.0.0.1" {
		t.Errorf("default Admin.Host = %q, want %q", cfg.Admin.Host, "127.0.0.1")
	}
	if cfg.Admin.Port != 1339 {
		t.Errorf("default Admin.Port = %d, want %d", cfg.Admin.Port, 1339)
	}
	if cfg.Admin.Token != "" {
		t.Errorf("default Admin.Token = %q, want empty", cfg.Admin.Token)
	}
	if cfg.Server.BodyMaxBytes != 10*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 10*1024*1024)
	}
	if cfg.Rewrite.MaxBodyBytes != 20*1024*1024 {
		t.Errorf("default Rewrite.MaxBodyBytes = %d, want %d", cfg.Rewrite.MaxBodyBytes, 20*1024*1024)
	}
	if cfg.Rewrite.RefererCacheSize != 1024 {
		t.Errorf("default Rewrite.RefererCacheSize = %d, want %d", cfg.Rewrite.RefererCacheSize, 1024)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
}

func TestLoad_NoConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 1337 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 1337)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
hostname = "toml.test"
port = 8000

[log]
level = "info"
`)

	cli := &CLI{
		Config:          path,
		Host:            "127.0.0.1",
		Hostname:        "cli.test",
		Port:            3000,
		CrossDomainPort: 4000,
		AdminPort:       5000,
		AdminToken:      "cli-token",
		LogLevel:        "debug",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Hostname != "cli.test" {
		t.Errorf("Server.Hostname = %q, want %q (CLI override)", cfg.Server.Hostname, "cli.test")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Server.CrossDomainPort != 4000 {
		t.Errorf("Server.CrossDomainPort = %d, want %d (CLI override)", cfg.Server.CrossDomainPort, 4000)
	}
	if cfg.Admin.Port != 5000 {
		t.Errorf("Admin.Port = %d, want %d (CLI override)", cfg.Admin.Port, 5000)
	}
	if cfg.Admin.Token != "cli-token" {
		t.Errorf("Admin.Token = %q, want %q (CLI override)", cfg.Admin.Token, "cli-token")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantMsg string
	}{
		{"negative port", "[server]\nport = -1\n", "server.port"},
		{"negative cross-domain port", "[server]\ncross_domain_port = -1\n", "cross_domain_port"},
		{"same ports", "[server]\nport = 9000\ncross_domain_port = 9000\n", "must differ"},
		{"derived cross-domain port out of range", "[server]\nport = 65535\n", "cross_domain_port"},
		{"negative admin port", "[admin]\nport = -1\n", "admin.port"},
		{"admin port on proxy port", "[server]\nport = 9000\n[admin]\nport = 9000\n", "admin.port"},
		{"admin port on cross-domain port", "[server]\nport = 9000\n[admin]\nport = 9001\n", "admin.port"},
		{"derived admin port out of range", "[server]\nport = 65534\n", "admin.port"},
		{"hostname with port", "[server]\nhostname = \"proxy.test:80\"\n", "server.hostname"},
		{"negative body_max_bytes", "[server]\nbody_max_bytes = -1\n", "body_max_bytes"},
		{"negative timeout", "[upstream]\ntimeout_seconds = -5\n", "timeout_seconds"},
		{"negative idle connections", "[upstream]\nidle_connections = -1\n", "idle_connections"},
		{"negative rewrite limit", "[rewrite]\nmax_body_bytes = -1\n", "max_body_bytes"},
		{"negative cache size", "[rewrite]\nreferer_cache_size = -1\n", "referer_cache_size"},
		{"relative injectable", "[sessions]\ninjectable_scripts = [\"hammer.js\"]\n", "injectable"},
		{"bad log format", "[log]\nformat = \"xml\"\n", "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.data)
			_, err := Load(cliWithPath(path))
			if err == nil {
				t.Fatalf("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestLoad_RateLimitConfig_Disabled(t *testing.T) {
	path := writeConfig(t, "[server]\nport = 8000\n")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = false by default")
	}
}

func TestLoad_RateLimitConfig_BadValue(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 0
`)

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for rate limit enabled with requests_per_second=0, got nil")
	}
	if !strings.Contains(err.Error(), "requests_per_second") {
		t.Errorf("error = %q, want mention of requests_per_second", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o666); err != nil {
		t.Fatal(err)
	}
	// WriteFile is subject to umask.
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "writable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0644 file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, "[server]\nport = 8000\n")

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "[server]\nport = 8000\n")
	path2 := writeConfig(t, "[server]\nport = 9000\n")

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPathDefault(t *testing.T) {
	path := writeConfig(t, "[metrics]\nenabled = true\n")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_MetricsPathNoLeadingSlash(t *testing.T) {
	path := writeConfig(t, "[metrics]\nenabled = true\npath = \"metrics\"\n")

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected error for metrics.path without leading slash, got nil")
	}
	if !strings.Contains(err.Error(), "metrics.path") {
		t.Errorf("error = %q, want mention of metrics.path", err)
	}
}

func TestLoad_MetricsPathConflictsWithProxyRoute(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"sessions exact", "/_sessions"},
		{"sessions sub", "/_sessions/metrics"},
		{"healthz", "/healthz"},
		{"proxy/status", "/proxy/status"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfgPath := writeConfig(t, "[metrics]\nenabled = true\npath = \""+tt.path+"\"\n")

			_, err := Load(cliWithPath(cfgPath))
			if err == nil {
				t.Fatalf("Load() expected error for metrics.path=%q conflicting with route, got nil", tt.path)
			}
			if !strings.Contains(err.Error(), "conflicts") {
				t.Errorf("error = %q, want mention of conflict", err)
			}
		})
	}
}

func TestLoad_MetricsPathValid(t *testing.T) {
	path := writeConfig(t, "[metrics]\nenabled = true\npath = \"/custom-metrics\"\n")

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}
}

func TestLoad_MetricsDisabledSkipsPathValidation(t *testing.T) {
	path := writeConfig(t, "[metrics]\nenabled = false\npath = \"bad-no-slash\"\n")

	_, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; disabled metrics should skip path validation", err)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000, CrossDomainPort: 3001}
	if got, want := sc.Addr(), "127.0.0.1:3000"; got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
	if got, want := sc.CrossDomainAddr(), "127.0.0.1:3001"; got != want {
		t.Errorf("CrossDomainAddr() = %q, want %q", got, want)
	}
}
