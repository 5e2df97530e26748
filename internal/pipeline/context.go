package pipeline

import (
	"net/http"
	"net/url"
	"strconv"

	"session-proxy/internal/proxyurl"
	"session-proxy/internal/session"
)

// Bootstrap scripts injected after the session's own scripts.
const (
	TaskScriptPath       = "/task.js"
	IFrameTaskScriptPath = "/iframe-task.js"
)

// ServerInfo describes where the proxy itself is reachable.
type ServerInfo struct {
	Hostname        string
	Port            int
	CrossDomainPort int
}

// Domain returns the proxy's same-domain origin.
func (s ServerInfo) Domain() string {
	return "http://" + s.Hostname + ":" + strconv.Itoa(s.Port)
}

// Context carries one request through the pipeline. It is what rewriting
// engines see.
type Context struct {
	Server  ServerInfo
	Session *session.Session
	Dest    Destination
	Nature  Nature

	Req *http.Request
	Res http.ResponseWriter

	contentInfo *ContentInfo
}

// NewContext binds a resolution to the request being served.
func NewContext(server ServerInfo, res *Resolution, req *http.Request, w http.ResponseWriter) *Context {
	return &Context{
		Server:  server,
		Session: res.Session,
		Dest:    res.Dest,
		Nature:  res.Nature,
		Req:     req,
		Res:     w,
	}
}

// BuildContentInfo classifies the upstream response. It runs once; later
// calls return the first result.
func (c *Context) BuildContentInfo(resp http.Header) ContentInfo {
	if c.contentInfo == nil {
		info := Classify(c.Nature, c.Dest, c.Req.Header.Get("Accept"), resp, c.Session)
		c.contentInfo = &info
	}
	return *c.contentInfo
}

// ContentInfo returns the classification, or nil before BuildContentInfo.
func (c *Context) ContentInfo() *ContentInfo {
	return c.contentInfo
}

// ToProxyURL encodes rawURL for this session. Cross-domain URLs use the
// proxy's second port so the browser treats them as a different origin.
func (c *Context) ToProxyURL(rawURL string, crossDomain bool, flags proxyurl.Flags, charset string) string {
	port := c.Server.Port
	if crossDomain {
		port = c.Server.CrossDomainPort
	}
	return proxyurl.Encode(rawURL, c.Server.Hostname, port, c.Session.ID, flags, charset)
}

// ResolveURL makes ref absolute against the destination URL. It reports
// false when that is not possible: the destination is not an http(s) URL
// net/url accepts, or ref itself does not parse.
func (c *Context) ResolveURL(ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return ref, false
	}
	if u.IsAbs() {
		return ref, true
	}
	base, err := url.Parse(c.Dest.URL)
	if err != nil || !base.IsAbs() || !proxyurl.IsSupportedProtocol(c.Dest.URL) {
		return ref, false
	}
	resolved := base.ResolveReference(u).String()
	if u.Host != "" {
		return proxyurl.EnsureTrailingSlash(ref, resolved), true
	}
	return resolved, true
}

// InjectableScripts lists the absolute URLs of scripts to inject into the
// page: the session's scripts, then the bootstrap for this browsing context.
func (c *Context) InjectableScripts() []string {
	task := TaskScriptPath
	if c.Nature.IsIFrame {
		task = IFrameTaskScriptPath
	}
	scripts := make([]string, 0, len(c.Session.Injectable.Scripts)+1)
	scripts = append(scripts, c.Session.Injectable.Scripts...)
	scripts = append(scripts, task)
	return c.absolute(scripts)
}

// InjectableStyles lists the absolute URLs of stylesheets to inject.
func (c *Context) InjectableStyles() []string {
	return c.absolute(c.Session.Injectable.Styles)
}

func (c *Context) absolute(paths []string) []string {
	domain := c.Server.Domain()
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = domain + p
	}
	return out
}

// Redirect answers with a 302 to url.
func (c *Context) Redirect(url string) {
	c.Res.Header().Set("Location", url)
	c.Res.WriteHeader(http.StatusFound)
}

// CloseWithError answers with statusCode and an optional HTML body.
func (c *Context) CloseWithError(statusCode int, body string) {
	if body != "" {
		c.Res.Header().Set("Content-Type", "text/html")
	}
	c.Res.WriteHeader(statusCode)
	if body != "" {
		_, _ = c.Res.Write([]byte(body))
	}
}
