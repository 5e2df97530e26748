package rewrite

import (
	"regexp"
	"strings"

	"session-proxy/internal/pipeline"
)

var (
	cssURLRE    = regexp.MustCompile(`(?i)url\s*\(\s*(?:'([^']*)'|"([^"]*)"|([^)\s'"]+))\s*\)`)
	cssImportRE = regexp.MustCompile(`(?i)@import\s+(?:'([^']*)'|"([^"]*)")`)
)

// Stylesheet proxies url(...) and @import references in CSS.
type Stylesheet struct{}

// Process implements Processor.
func (Stylesheet) Process(pctx *pipeline.Context, body []byte) ([]byte, error) {
	out := cssURLRE.ReplaceAllStringFunc(string(body), func(m string) string {
		ref := firstGroup(cssURLRE.FindStringSubmatch(m))
		if strings.HasPrefix(strings.ToLower(ref), "data:") {
			return m
		}
		return `url("` + proxify(pctx, ref, 0, "") + `")`
	})
	out = cssImportRE.ReplaceAllStringFunc(out, func(m string) string {
		ref := firstGroup(cssImportRE.FindStringSubmatch(m))
		return `@import "` + proxify(pctx, ref, 0, "") + `"`
	})
	return []byte(out), nil
}

func firstGroup(groups []string) string {
	for _, g := range groups[1:] {
		if g != "" {
			return strings.TrimSpace(g)
		}
	}
	return ""
}
