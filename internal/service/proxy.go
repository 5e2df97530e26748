// Package service implements request forwarding and response rewriting for
// routed proxy requests.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"session-proxy/internal/client"
	"session-proxy/internal/config"
	"session-proxy/internal/contentenc"
	"session-proxy/internal/metrics"
	"session-proxy/internal/model"
	"session-proxy/internal/pipeline"
	"session-proxy/internal/proxyurl"
	"session-proxy/internal/rewrite"
	"session-proxy/internal/textenc"
)

// ErrSpecialPage is returned by Forward for destinations that are answered
// locally instead of fetched.
var ErrSpecialPage = errors.New("special page has no network destination")

// hopByHopHeaders are never relayed in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// droppedOnRewrite are response headers invalidated by rewriting the body.
var droppedOnRewrite = []string{
	"Content-Length",
	"Content-Md5",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"Etag",
}

// ProxyService forwards routed requests to their destination and rewrites
// the responses.
type ProxyService struct {
	client  *client.UpstreamClient
	engine  *rewrite.Engine
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyService creates a ProxyService. The metrics parameter may be nil.
func NewProxyService(c *client.UpstreamClient, engine *rewrite.Engine, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		client:  c,
		engine:  engine,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "proxy_service"),
	}
}

// Forward sends the request carried by pctx to its destination and returns
// the response with headers and, where required, body rewritten.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pctx *pipeline.Context) (*model.ProxyResponse, error) {
	if pctx.Dest.IsSpecialPage() {
		return nil, ErrSpecialPage
	}

	ur := &model.UpstreamRequest{
		Ctx:    pctx.Req.Context(),
		Method: pctx.Req.Method,
		URL:    pctx.Dest.URL,
		Header: s.filterRequestHeaders(pctx),
		Body:   pctx.Req.Body,

		ContentLength: pctx.Req.ContentLength,
	}

	s.logger.Debug("forwarding request",
		"method", ur.Method,
		"session", pctx.Session.ID,
		"dest", pctx.Dest.URL,
	)

	resp, err := s.client.DoStream(ur)
	if err != nil {
		return nil, fmt.Errorf("forward to destination: %w", err)
	}

	info := pctx.BuildContentInfo(resp.Header)
	if info.IsFileDownload && s.metrics != nil {
		s.metrics.FileDownloads.Inc()
	}

	resp.Header = s.filterResponseHeaders(pctx, resp.Header)

	if !info.RequireProcessing || info.IsIFrameWithImageSrc || !hasBody(pctx.Req.Method, resp.StatusCode) {
		return resp, nil
	}

	return s.process(pctx, info, resp)
}

// process rewrites the response body. Bodies that cannot be processed are
// relayed unchanged.
func (s *ProxyService) process(pctx *pipeline.Context, info pipeline.ContentInfo, resp *model.ProxyResponse) (*model.ProxyResponse, error) {
	class := rewrite.Class(info)

	if !contentenc.Supported(info.Encoding) {
		s.observeRewrite(class, "unsupported_encoding")
		return resp, nil
	}

	limit := s.cfg.Rewrite.MaxBodyBytes
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("read destination body: %w", err)
	}
	if int64(len(raw)) > limit {
		s.logger.Warn("body too large to rewrite; relaying unprocessed",
			"dest", pctx.Dest.URL,
			"limit", limit,
		)
		s.observeRewrite(class, "too_large")
		resp.Body = readCloser{io.MultiReader(bytes.NewReader(raw), resp.Body), resp.Body}
		return resp, nil
	}
	_ = resp.Body.Close()

	out, err := s.rewriteBody(pctx, info, resp.Header.Get("Content-Type"), raw)
	if err != nil {
		s.logger.Warn("rewrite failed; relaying unprocessed",
			"dest", pctx.Dest.URL,
			"class", class,
			"err", err,
		)
		s.observeRewrite(class, "error")
		out = raw
	} else {
		s.observeRewrite(class, "processed")
		for _, h := range droppedOnRewrite {
			resp.Header.Del(h)
		}
	}

	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	resp.Body = io.NopCloser(bytes.NewReader(out))
	return resp, nil
}

func (s *ProxyService) rewriteBody(pctx *pipeline.Context, info pipeline.ContentInfo, contentType string, raw []byte) ([]byte, error) {
	decoded, err := contentenc.Decode(raw, info.Encoding)
	if err != nil {
		return nil, err
	}

	charset := info.Charset
	if charset == "" && !info.IsCSS && !info.IsScript && !info.IsManifest && !info.IsJSON {
		charset = textenc.Detect(decoded, contentType)
	}

	text, err := textenc.ToUTF8(decoded, charset)
	if err != nil {
		return nil, err
	}

	processed, err := s.engine.ForContent(info).Process(pctx, text)
	if err != nil {
		return nil, err
	}

	encoded, err := textenc.FromUTF8(processed, charset)
	if err != nil {
		return nil, err
	}
	return contentenc.Encode(encoded, info.Encoding)
}

func (s *ProxyService) observeRewrite(class, outcome string) {
	if s.metrics != nil {
		s.metrics.Rewrites.WithLabelValues(class, outcome).Inc()
	}
}

// filterRequestHeaders drops proxy-private and hop-by-hop headers and moves
// Referer and Origin back into destination space.
func (s *ProxyService) filterRequestHeaders(pctx *pipeline.Context) http.Header {
	dst := pctx.Req.Header.Clone()
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}
	dst.Del(pipeline.XHRMarkerHeader)

	if pctx.Dest.Referer != "" && !proxyurl.IsSpecialPage(pctx.Dest.Referer) {
		dst.Set("Referer", pctx.Dest.Referer)
	} else {
		dst.Del("Referer")
	}

	if dst.Get("Origin") != "" {
		if pctx.Dest.RequestOrigin != "" {
			dst.Set("Origin", pctx.Dest.RequestOrigin)
		} else {
			dst.Del("Origin")
		}
	}

	if ae := dst.Get("Accept-Encoding"); ae != "" {
		if filtered := contentenc.FilterAcceptEncoding(ae); filtered != "" {
			dst.Set("Accept-Encoding", filtered)
		} else {
			dst.Del("Accept-Encoding")
		}
	}

	return dst
}

// filterResponseHeaders drops hop-by-hop headers and points redirects back
// through the proxy.
func (s *ProxyService) filterResponseHeaders(pctx *pipeline.Context, src http.Header) http.Header {
	dst := src.Clone()
	for _, h := range hopByHopHeaders {
		dst.Del(h)
	}

	if loc := dst.Get("Location"); loc != "" && proxyurl.IsSupportedProtocol(loc) {
		var flags proxyurl.Flags
		if pctx.Nature.IsIFrame {
			flags = proxyurl.FlagIFrame
		}
		if abs, ok := pctx.ResolveURL(loc); ok {
			dst.Set("Location", pctx.ToProxyURL(abs, false, flags, ""))
		}
	}
	return dst
}

func hasBody(method string, status int) bool {
	if strings.EqualFold(method, http.MethodHead) {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified && status >= 200
}

// readCloser pairs a reader with the closer of the stream it wraps.
type readCloser struct {
	io.Reader
	io.Closer
}
