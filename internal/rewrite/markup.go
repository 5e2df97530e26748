package rewrite

import (
	"bytes"
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"session-proxy/internal/pipeline"
	"session-proxy/internal/proxyurl"
)

// Class names marking elements the proxy added to a page.
const (
	injectedScriptClass = "session-proxy-script"
	injectedStyleClass  = "session-proxy-style"
)

type urlAttr struct {
	selector string
	attr     string
	flags    proxyurl.Flags
	// navigates marks attributes whose target replaces the current
	// browsing context; they inherit the iframe flag inside frames.
	navigates bool
}

var urlAttrs = []urlAttr{
	{selector: "a[href]", attr: "href", navigates: true},
	{selector: "area[href]", attr: "href", navigates: true},
	{selector: "link[href]", attr: "href"},
	{selector: "base[href]", attr: "href"},
	{selector: "img[src]", attr: "src"},
	{selector: "input[src]", attr: "src"},
	{selector: "video[src]", attr: "src"},
	{selector: "audio[src]", attr: "src"},
	{selector: "source[src]", attr: "src"},
	{selector: "track[src]", attr: "src"},
	{selector: "embed[src]", attr: "src"},
	{selector: "object[data]", attr: "data"},
	{selector: "script[src]", attr: "src", flags: proxyurl.FlagScript},
	{selector: "iframe[src]", attr: "src", flags: proxyurl.FlagIFrame},
	{selector: "frame[src]", attr: "src", flags: proxyurl.FlagIFrame},
	{selector: "form[action]", attr: "action", flags: proxyurl.FlagForm, navigates: true},
	{selector: "button[formaction]", attr: "formaction", flags: proxyurl.FlagForm, navigates: true},
	{selector: "input[formaction]", attr: "formaction", flags: proxyurl.FlagForm, navigates: true},
}

// Markup rewrites HTML documents: URL-bearing attributes are proxied and the
// session's stylesheets and scripts are injected at the top of <head>.
type Markup struct{}

// Process implements Processor.
func (Markup) Process(pctx *pipeline.Context, body []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse markup: %w", err)
	}

	var inherited proxyurl.Flags
	if info := pctx.ContentInfo(); info != nil && info.ContentTypeURLToken == proxyurl.FlagIFrame {
		inherited = proxyurl.FlagIFrame
	}

	for _, ua := range urlAttrs {
		flags := ua.flags
		if ua.navigates {
			flags |= inherited
		}
		doc.Find(ua.selector).Each(func(_ int, s *goquery.Selection) {
			ref, _ := s.Attr(ua.attr)
			charset, _ := s.Attr("charset")
			if ua.flags != proxyurl.FlagScript {
				charset = ""
			}
			s.SetAttr(ua.attr, proxify(pctx, strings.TrimSpace(ref), flags, charset))
		})
	}

	doc.Find("head").First().PrependHtml(injection(pctx))

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("render markup: %w", err)
	}
	return []byte(out), nil
}

func injection(pctx *pipeline.Context) string {
	var b strings.Builder
	for _, href := range pctx.InjectableStyles() {
		fmt.Fprintf(&b, `<link rel="stylesheet" type="text/css" class="%s" href="%s">`,
			injectedStyleClass, html.EscapeString(href))
	}
	for _, src := range pctx.InjectableScripts() {
		fmt.Fprintf(&b, `<script type="text/javascript" class="%s" charset="UTF-8" src="%s"></script>`,
			injectedScriptClass, html.EscapeString(src))
	}
	return b.String()
}
