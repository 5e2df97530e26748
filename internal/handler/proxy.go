package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"session-proxy/internal/metrics"
	"session-proxy/internal/pipeline"
	"session-proxy/internal/proxyurl"
	"session-proxy/internal/service"
)

// emptyPage is served for special pages.
const emptyPage = "<html><head></head><body></body></html>"

// ProxyHandler routes proxy URLs to their session and destination and relays
// the rewritten response.
type ProxyHandler struct {
	resolver *pipeline.Resolver
	service  *service.ProxyService
	server   pipeline.ServerInfo
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(r *pipeline.Resolver, svc *service.ProxyService, server pipeline.ServerInfo, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		resolver: r,
		service:  svc,
		server:   server,
		metrics:  m,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// Handle resolves the request and streams the destination response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	res, err := h.resolver.Resolve(req)
	h.observeResolution(res, err)
	if err != nil {
		return h.mapResolveError(c, err)
	}

	if res.Dest.IsSpecialPage() {
		return c.HTML(http.StatusOK, emptyPage)
	}

	pctx := pipeline.NewContext(h.server, res, req, c.Response())
	resp, err := h.service.Forward(pctx)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already sent, so a failed copy leaves the browser
	// with a truncated body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"session", res.Session.ID,
			"dest", res.Dest.URL,
		)
	}

	return nil
}

func (h *ProxyHandler) observeResolution(res *pipeline.Resolution, err error) {
	if h.metrics == nil {
		return
	}
	strategy, outcome := "none", "ok"
	switch {
	case err == nil:
		strategy = res.Strategy
	case errors.Is(err, pipeline.ErrUnknownSession):
		outcome = "unknown_session"
	case errors.Is(err, pipeline.ErrUndecodableURL):
		outcome = "undecodable"
	default:
		outcome = "malformed"
	}
	h.metrics.Resolutions.WithLabelValues(strategy, outcome).Inc()
}

func (h *ProxyHandler) mapResolveError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, pipeline.ErrUndecodableURL):
		h.logger.Debug("not a proxy url", "path", path)
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "not a proxy url",
		})
	case errors.Is(err, pipeline.ErrUnknownSession):
		h.logger.Warn("unknown session", "err", err, "path", path)
		return c.JSON(http.StatusGone, map[string]string{
			"error": "session not found",
		})
	case errors.Is(err, proxyurl.ErrMalformedDescriptor):
		h.logger.Error("malformed proxy url", "err", err, "path", path)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "malformed proxy url",
		})
	}

	h.logger.Error("resolve failed", "err", err, "path", path)
	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "resolve failed",
	})
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "destination request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "destination host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "destination request timed out",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "destination connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "destination request failed",
	})
}
