package pipeline

import (
	"net/http"
	"regexp"
	"strings"

	"session-proxy/internal/contentenc"
	"session-proxy/internal/proxyurl"
	"session-proxy/internal/session"
	"session-proxy/internal/textenc"
)

var (
	scriptTypeRE = regexp.MustCompile(`application/((x-)?javascript|ecmascript)|text/(javascript|ecmascript|jscript|livescript)`)
	imageTypeRE  = regexp.MustCompile(`^\s*image/`)
	charsetRE    = regexp.MustCompile(`(?i)charset\s*=\s*["']?([^;"'\s]+)`)
)

// ContentInfo is the rewrite decision for one response.
type ContentInfo struct {
	Charset              string // canonical name; empty when unresolved
	RequireProcessing    bool
	IsCSS                bool
	IsScript             bool
	IsManifest           bool
	IsJSON               bool
	IsIFrameWithImageSrc bool
	IsFileDownload       bool
	Encoding             string
	ContentTypeURLToken  proxyurl.Flags
}

// IsCSSResource reports whether a response is a stylesheet. Some servers
// label stylesheets wrongly, so an explicit Accept: text/css also counts.
func IsCSSResource(contentType, accept string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/css") ||
		strings.EqualFold(strings.TrimSpace(accept), "text/css")
}

// IsScriptResource reports whether a response is a script.
func IsScriptResource(contentType, accept string) bool {
	return scriptTypeRE.MatchString(strings.ToLower(contentType)) ||
		strings.EqualFold(strings.TrimSpace(accept), "application/javascript")
}

// IsManifest reports whether a response is an application cache manifest.
func IsManifest(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/cache-manifest")
}

// IsJSON reports whether a response is JSON.
func IsJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}

// IsFileDownload reports whether a Content-Disposition header marks the
// response as an attachment.
func IsFileDownload(disposition string) bool {
	return strings.Contains(disposition, "attachment") && strings.Contains(disposition, "filename")
}

// charsetSource yields a charset name or reports that it has none.
type charsetSource func() (string, bool)

func fromContentType(contentType string) charsetSource {
	return func() (string, bool) {
		m := charsetRE.FindStringSubmatch(contentType)
		if m == nil {
			return "", false
		}
		return textenc.Canonical(m[1])
	}
}

func fromURLHint(hint string) charsetSource {
	return func() (string, bool) {
		return textenc.Canonical(hint)
	}
}

// resolveCharset returns the first charset any source yields.
func resolveCharset(sources ...charsetSource) string {
	for _, src := range sources {
		if name, ok := src(); ok {
			return name
		}
	}
	return ""
}

// contentTypeURLToken is the flag URLs minted while rewriting this body
// must carry.
func contentTypeURLToken(isScript, isIFrame bool) proxyurl.Flags {
	switch {
	case isScript:
		return proxyurl.FlagScript
	case isIFrame:
		return proxyurl.FlagIFrame
	}
	return 0
}

// Classify builds the ContentInfo for a response. When the response is a file
// download the session's download callback runs before it returns.
func Classify(n Nature, dest Destination, accept string, resp http.Header, sess *session.Session) ContentInfo {
	contentType := resp.Get("Content-Type")

	isCSS := IsCSSResource(contentType, accept)
	isManifest := IsManifest(contentType)
	isJSON := IsJSON(contentType)
	isScript := dest.ResourceType == ResourceScript || IsScriptResource(contentType, accept)
	isDownload := IsFileDownload(resp.Get("Content-Disposition"))

	requireProcessing := !n.IsXHR &&
		(n.IsPage || n.IsIFrame || isCSS || isScript || isManifest || isJSON)

	if isDownload {
		requireProcessing = false
		if sess != nil {
			sess.HandleFileDownload()
		}
	}

	return ContentInfo{
		Charset:              resolveCharset(fromContentType(contentType), fromURLHint(dest.Charset)),
		RequireProcessing:    requireProcessing,
		IsCSS:                isCSS,
		IsScript:             isScript,
		IsManifest:           isManifest,
		IsJSON:               isJSON,
		IsIFrameWithImageSrc: n.IsIFrame && !n.IsPage && imageTypeRE.MatchString(contentType),
		IsFileDownload:       isDownload,
		Encoding:             contentenc.Normalize(resp.Get("Content-Encoding")),
		ContentTypeURLToken:  contentTypeURLToken(isScript, n.IsIFrame),
	}
}
