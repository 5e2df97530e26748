package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"session-proxy/internal/config"
	"session-proxy/internal/session"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	sessions *session.Registry
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, sessions *session.Registry, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, sessions: sessions, version: v}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Hostname        string `json:"hostname"`
	Port            int    `json:"port"`
	CrossDomainPort int    `json:"cross_domain_port"`
	Sessions        int    `json:"sessions"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:          "ok",
		Version:         string(h.version),
		Hostname:        h.cfg.Server.Hostname,
		Port:            h.cfg.Server.Port,
		CrossDomainPort: h.cfg.Server.CrossDomainPort,
		Sessions:        h.sessions.Len(),
	})
}
