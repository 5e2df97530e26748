// Package pipeline routes inbound proxy requests to their session and
// destination and decides how each response body must be rewritten.
package pipeline

import (
	"net/http"
	"strings"

	"session-proxy/internal/proxyurl"
)

// ResourceType is how a destination is being loaded, as declared by the URL
// that requested it.
type ResourceType string

const (
	ResourceNone   ResourceType = ""
	ResourceIFrame ResourceType = "iframe"
	ResourceScript ResourceType = "script"
)

// resourceTypeOf maps decoded flags to a resource type. Form-only requests
// have none.
func resourceTypeOf(f proxyurl.Flags) ResourceType {
	switch {
	case f.Has(proxyurl.FlagIFrame):
		return ResourceIFrame
	case f.Has(proxyurl.FlagScript):
		return ResourceScript
	}
	return ResourceNone
}

// Destination is the real resource a request targets. It is built once per
// request by the Resolver.
type Destination struct {
	URL           string
	Protocol      string
	Host          string
	Hostname      string
	Port          string // empty when it is the protocol default
	PartAfterHost string
	ResourceType  ResourceType
	Charset       string
	Domain        string

	Referer       string
	RequestOrigin string
}

// Parts returns the URL components of d.
func (d Destination) Parts() proxyurl.Parts {
	return proxyurl.Parts{
		Protocol:      d.Protocol,
		Host:          d.Host,
		Hostname:      d.Hostname,
		Port:          d.Port,
		PartAfterHost: d.PartAfterHost,
	}
}

// IsSpecialPage reports whether d is a non-network placeholder page.
func (d Destination) IsSpecialPage() bool {
	return proxyurl.IsSpecialPage(d.URL)
}

// XHRMarkerHeader is set by the in-page XMLHttpRequest shim on every request
// it issues. It never reaches the destination server.
const XHRMarkerHeader = "X-Session-Proxy-Xhr-Request-Marker"

// Nature classifies a request by how the browser issued it.
type Nature struct {
	IsXHR    bool
	IsPage   bool
	IsIFrame bool
}

// NatureOf derives the request nature from headers and the resolved
// resource type.
func NatureOf(h http.Header, rt ResourceType) Nature {
	isXHR := h.Get(XHRMarkerHeader) != ""
	return Nature{
		IsXHR:    isXHR,
		IsPage:   !isXHR && IsPageAccept(h.Get("Accept")),
		IsIFrame: rt == ResourceIFrame,
	}
}

// IsPageAccept reports whether an Accept header asks for a document.
func IsPageAccept(accept string) bool {
	accept = strings.ToLower(accept)
	return strings.Contains(accept, "text/html") ||
		strings.Contains(accept, "application/xhtml+xml") ||
		strings.Contains(accept, "application/xml")
}
