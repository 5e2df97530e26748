package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"session-proxy/internal/config"
	"session-proxy/internal/metrics"
	"session-proxy/internal/middleware"
	"session-proxy/internal/pipeline"
)

// Handlers groups every route handler for registration.
type Handlers struct {
	Proxy    *ProxyHandler
	Health   *HealthHandler
	Sessions *SessionHandler
	Task     *TaskHandler
}

// RegisterProxyRoutes wires the routes served on the proxy ports. Pages
// loaded through the proxy share these origins, so apart from the bootstrap
// scripts everything is treated as a proxy URL.
func RegisterProxyRoutes(e *echo.Echo, h Handlers) {
	e.GET(pipeline.TaskScriptPath, h.Task.Task)
	e.GET(pipeline.IFrameTaskScriptPath, h.Task.IFrameTask)

	e.Any("/*", h.Proxy.Handle)
}

// RegisterAdminRoutes wires the admin listener: health, status, the session
// API and metrics.
func RegisterAdminRoutes(e *echo.Echo, h Handlers, cfg *config.Config, m *metrics.Metrics) {
	e.Use(middleware.SecurityHeaders())

	e.GET("/healthz", h.Health.Healthz)
	e.GET("/proxy/status", h.Health.Status)

	admin := e.Group("/_sessions")
	if cfg.Admin.Token != "" {
		admin.Use(middleware.AdminAuth(cfg.Admin.Token))
	}
	admin.POST("", h.Sessions.Create)
	admin.GET("", h.Sessions.List)
	admin.GET("/:id", h.Sessions.Get)
	admin.DELETE("/:id", h.Sessions.Delete)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
