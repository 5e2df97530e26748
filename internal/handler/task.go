package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"session-proxy/internal/pipeline"
	"session-proxy/internal/proxyurl"
	"session-proxy/internal/session"
)

// settingsGlobal is the window property the bootstrap script assigns.
const settingsGlobal = "%session-proxy-settings%"

// taskSettings is what in-page code needs to keep talking to the proxy.
type taskSettings struct {
	SessionID            string   `json:"sessionId"`
	ProxyHostname        string   `json:"proxyHostname"`
	ProxyPort            int      `json:"proxyPort"`
	CrossDomainProxyPort int      `json:"crossDomainProxyPort"`
	Referer              string   `json:"referer"`
	IsIFrame             bool     `json:"isIFrame"`
	Scripts              []string `json:"scripts"`
	Styles               []string `json:"styles"`
}

// TaskHandler serves the bootstrap scripts injected into rewritten pages.
type TaskHandler struct {
	sessions *session.Registry
	server   pipeline.ServerInfo
	logger   *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(sessions *session.Registry, server pipeline.ServerInfo, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		sessions: sessions,
		server:   server,
		logger:   logger.With("component", "task_handler"),
	}
}

// Task serves the top-level page bootstrap.
func (h *TaskHandler) Task(c echo.Context) error {
	return h.serve(c, false)
}

// IFrameTask serves the bootstrap for pages loaded in a frame.
func (h *TaskHandler) IFrameTask(c echo.Context) error {
	return h.serve(c, true)
}

// serve finds the session from the page that included the script: the
// Referer is the proxy URL of that page.
func (h *TaskHandler) serve(c echo.Context, isIFrame bool) error {
	d, err := proxyurl.Decode(c.Request().Header.Get("Referer"))
	if err != nil {
		status := http.StatusNotFound
		if errors.Is(err, proxyurl.ErrMalformedDescriptor) {
			status = http.StatusInternalServerError
		}
		h.logger.Debug("task script without proxy referer", "err", err)
		return c.NoContent(status)
	}

	s, ok := h.sessions.Get(d.SessionID)
	if !ok {
		return c.NoContent(http.StatusGone)
	}

	settings := taskSettings{
		SessionID:            s.ID,
		ProxyHostname:        h.server.Hostname,
		ProxyPort:            h.server.Port,
		CrossDomainProxyPort: h.server.CrossDomainPort,
		Referer:              s.Referer,
		IsIFrame:             isIFrame,
		Scripts:              s.Injectable.Scripts,
		Styles:               s.Injectable.Styles,
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}

	c.Response().Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	return c.Blob(http.StatusOK, "application/javascript; charset=utf-8",
		[]byte("window["+strconv.Quote(settingsGlobal)+"] = "+string(data)+";\n"))
}
