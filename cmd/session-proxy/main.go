package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"session-proxy/internal/client"
	"session-proxy/internal/config"
	"session-proxy/internal/handler"
	"session-proxy/internal/metrics"
	"session-proxy/internal/middleware"
	"session-proxy/internal/pipeline"
	"session-proxy/internal/rewrite"
	"session-proxy/internal/service"
	"session-proxy/internal/session"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("session-proxy"),
		kong.Description("URL-rewriting forward proxy for scripted browser sessions."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			session.NewRegistry,
			newServerInfo,
			newResolver,
			rewrite.NewEngine,
			newServers,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewSessionHandler,
			handler.NewTaskHandler,
			newHandlers,
		),
		fx.Invoke(registerRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newServerInfo(cfg *config.Config) pipeline.ServerInfo {
	return pipeline.ServerInfo{
		Hostname:        cfg.Server.Hostname,
		Port:            cfg.Server.Port,
		CrossDomainPort: cfg.Server.CrossDomainPort,
	}
}

func newResolver(reg *session.Registry, cfg *config.Config) (*pipeline.Resolver, error) {
	return pipeline.NewResolver(reg, cfg.Rewrite.RefererCacheSize)
}

func newHandlers(p *handler.ProxyHandler, h *handler.HealthHandler, s *handler.SessionHandler, t *handler.TaskHandler) handler.Handlers {
	return handler.Handlers{Proxy: p, Health: h, Sessions: s, Task: t}
}

// servers holds the two echo instances: the proxy, served on both proxy
// ports, and the admin API on its own listener.
type servers struct {
	proxy *echo.Echo
	admin *echo.Echo
}

func newServers(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) servers {
	return servers{
		proxy: newProxyEcho(cfg, logger, m),
		admin: newAdminEcho(cfg, logger, m),
	}
}

func newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second
	return e
}

func newProxyEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := newEcho()
	// Streamed destination bodies may take long; the upstream client
	// timeout bounds them instead.
	e.Server.WriteTimeout = 0

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newAdminEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := newEcho()
	e.Server.WriteTimeout = 30 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger.With("listener", "admin")))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(echomw.BodyLimit("1M"))

	if cfg.Admin.Token == "" {
		logger.Warn("admin API has no token; keep admin.host on a trusted interface",
			"addr", cfg.Admin.Addr(),
		)
	}
	return e
}

func registerRoutes(s servers, h handler.Handlers, cfg *config.Config, m *metrics.Metrics) {
	handler.RegisterProxyRoutes(s.proxy, h)
	handler.RegisterAdminRoutes(s.admin, h, cfg, m)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// startServer listens on both proxy ports and the admin port. Pages served
// from the cross-domain port are a different origin to the browser, which is
// what cross-site frames need.
func startServer(lc fx.Lifecycle, s servers, cfg *config.Config, logger *slog.Logger) {
	crossDomain := &http.Server{
		Handler:           s.proxy,
		ReadTimeout:       s.proxy.Server.ReadTimeout,
		WriteTimeout:      s.proxy.Server.WriteTimeout,
		IdleTimeout:       s.proxy.Server.IdleTimeout,
		ReadHeaderTimeout: s.proxy.Server.ReadHeaderTimeout,
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			listeners := []struct {
				addr string
				srv  *http.Server
			}{
				{cfg.Server.Addr(), s.proxy.Server},
				{cfg.Server.CrossDomainAddr(), crossDomain},
				{cfg.Admin.Addr(), s.admin.Server},
			}

			bound := make([]net.Listener, 0, len(listeners))
			for _, l := range listeners {
				ln, err := net.Listen("tcp", l.addr)
				if err != nil {
					for _, b := range bound {
						_ = b.Close()
					}
					return fmt.Errorf("bind %s: %w", l.addr, err)
				}
				bound = append(bound, ln)
			}

			logger.Info("starting server",
				"addr", cfg.Server.Addr(),
				"cross_domain_addr", cfg.Server.CrossDomainAddr(),
				"admin_addr", cfg.Admin.Addr(),
				"hostname", cfg.Server.Hostname,
			)
			for i, l := range listeners {
				go func(srv *http.Server, ln net.Listener) {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("server error", "addr", ln.Addr().String(), "err", err)
					}
				}(l.srv, bound[i])
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return errors.Join(
				s.proxy.Shutdown(ctx),
				crossDomain.Shutdown(ctx),
				s.admin.Shutdown(ctx),
			)
		},
	})
}
