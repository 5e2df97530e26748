// Package rewrite transforms response bodies so they keep working when served
// from the proxy origin. The script engine is pluggable; markup, stylesheet
// and manifest passes are built in.
package rewrite

import (
	"session-proxy/internal/origin"
	"session-proxy/internal/pipeline"
	"session-proxy/internal/proxyurl"
)

// Processor rewrites one UTF-8 body.
type Processor interface {
	Process(pctx *pipeline.Context, body []byte) ([]byte, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(pctx *pipeline.Context, body []byte) ([]byte, error)

// Process calls f.
func (f ProcessorFunc) Process(pctx *pipeline.Context, body []byte) ([]byte, error) {
	return f(pctx, body)
}

// Passthrough returns bodies unchanged.
var Passthrough Processor = ProcessorFunc(func(_ *pipeline.Context, body []byte) ([]byte, error) {
	return body, nil
})

// Engine picks the processor for a classified response.
type Engine struct {
	Markup     Processor
	Stylesheet Processor
	Manifest   Processor
	Script     Processor
	JSON       Processor
}

// NewEngine returns an Engine with the built-in passes. Scripts and JSON go
// through unchanged until an instrumenting engine is plugged in.
func NewEngine() *Engine {
	return &Engine{
		Markup:     Markup{},
		Stylesheet: Stylesheet{},
		Manifest:   Manifest{},
		Script:     Passthrough,
		JSON:       Passthrough,
	}
}

// Class names the processor ForContent selects, for logs and metrics.
func Class(info pipeline.ContentInfo) string {
	switch {
	case info.IsCSS:
		return "stylesheet"
	case info.IsScript:
		return "script"
	case info.IsManifest:
		return "manifest"
	case info.IsJSON:
		return "json"
	}
	return "markup"
}

// ForContent returns the processor for info.
func (e *Engine) ForContent(info pipeline.ContentInfo) Processor {
	switch Class(info) {
	case "stylesheet":
		return e.Stylesheet
	case "script":
		return e.Script
	case "manifest":
		return e.Manifest
	case "json":
		return e.JSON
	}
	return e.Markup
}

// proxify resolves ref against the destination and encodes it for the
// session. References the proxy cannot route are returned untouched. Frames
// from another site go to the cross-domain port.
func proxify(pctx *pipeline.Context, ref string, flags proxyurl.Flags, charset string) string {
	if ref == "" || !proxyurl.IsSupportedProtocol(ref) || proxyurl.Is(ref) {
		return ref
	}
	abs, ok := pctx.ResolveURL(ref)
	if !ok {
		return ref
	}
	crossDomain := flags.Has(proxyurl.FlagIFrame) && !origin.SameOrigin(pctx.Dest.URL, abs)
	return pctx.ToProxyURL(abs, crossDomain, flags, charset)
}
