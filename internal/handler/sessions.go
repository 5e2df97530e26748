package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"session-proxy/internal/config"
	"session-proxy/internal/metrics"
	"session-proxy/internal/pipeline"
	"session-proxy/internal/session"
)

// SessionHandler serves the admin API that manages proxy sessions.
type SessionHandler struct {
	sessions *session.Registry
	cfg      *config.Config
	server   pipeline.ServerInfo
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler. The metrics parameter may be nil.
func NewSessionHandler(sessions *session.Registry, cfg *config.Config, server pipeline.ServerInfo, m *metrics.Metrics, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		cfg:      cfg,
		server:   server,
		metrics:  m,
		logger:   logger.With("component", "session_handler"),
	}
}

type createSessionRequest struct {
	ID         string              `json:"id"`
	Referer    string              `json:"referer"`
	Injectable *session.Injectable `json:"injectable"`
}

type sessionView struct {
	ID         string             `json:"id"`
	Referer    string             `json:"referer,omitempty"`
	Injectable session.Injectable `json:"injectable"`
	CreatedAt  time.Time          `json:"created_at"`
	Downloads  int64              `json:"downloads"`
	ProxyURL   string             `json:"proxy_url"`
}

func (h *SessionHandler) view(s *session.Session) sessionView {
	return sessionView{
		ID:         s.ID,
		Referer:    s.Referer,
		Injectable: s.Injectable,
		CreatedAt:  s.CreatedAt,
		Downloads:  s.Downloads(),
		ProxyURL:   h.server.Domain() + "/" + s.ID + "/",
	}
}

// Create registers a new session. The id defaults to a random UUID and the
// injectable lists to the configured defaults.
func (h *SessionHandler) Create(c echo.Context) error {
	var body createSessionRequest
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	id := body.ID
	if id == "" {
		id = uuid.NewString()
	}

	inj := session.Injectable{
		Scripts: h.cfg.Sessions.InjectableScripts,
		Styles:  h.cfg.Sessions.InjectableStyles,
	}
	if body.Injectable != nil {
		inj = *body.Injectable
	}
	if inj.Scripts == nil {
		inj.Scripts = []string{}
	}
	if inj.Styles == nil {
		inj.Styles = []string{}
	}

	s, err := session.New(id, body.Referer, inj)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid session id",
		})
	}
	s.OnFileDownload = h.onFileDownload

	if err := h.sessions.Add(s); err != nil {
		if errors.Is(err, session.ErrExists) {
			return c.JSON(http.StatusConflict, map[string]string{
				"error": "session already exists",
			})
		}
		return err
	}
	h.updateGauge()

	h.logger.Info("session created", "session", s.ID)
	return c.JSON(http.StatusCreated, h.view(s))
}

// List returns every registered session.
func (h *SessionHandler) List(c echo.Context) error {
	all := h.sessions.List()
	out := make([]sessionView, 0, len(all))
	for _, s := range all {
		out = append(out, h.view(s))
	}
	return c.JSON(http.StatusOK, out)
}

// Get returns one session.
func (h *SessionHandler) Get(c echo.Context) error {
	s, ok := h.sessions.Get(c.Param("id"))
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "session not found",
		})
	}
	return c.JSON(http.StatusOK, h.view(s))
}

// Delete removes a session. Requests still in flight keep their reference.
func (h *SessionHandler) Delete(c echo.Context) error {
	id := c.Param("id")
	if !h.sessions.Remove(id) {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "session not found",
		})
	}
	h.updateGauge()

	h.logger.Info("session deleted", "session", id)
	return c.NoContent(http.StatusNoContent)
}

func (h *SessionHandler) onFileDownload(s *session.Session) {
	h.logger.Info("file download", "session", s.ID, "downloads", s.Downloads())
}

func (h *SessionHandler) updateGauge() {
	if h.metrics != nil {
		h.metrics.ActiveSessions.Set(float64(h.sessions.Len()))
	}
}
