package rewrite

import (
	"strings"

	"session-proxy/internal/pipeline"
)

var manifestSections = map[string]bool{
	"CACHE:":    true,
	"NETWORK:":  true,
	"FALLBACK:": true,
	"SETTINGS:": true,
}

// Manifest proxies the entries of an application cache manifest.
type Manifest struct{}

// Process implements Processor.
func (Manifest) Process(pctx *pipeline.Context, body []byte) ([]byte, error) {
	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "*" || strings.HasPrefix(trimmed, "#") ||
			manifestSections[trimmed] || strings.HasPrefix(trimmed, "CACHE MANIFEST") {
			continue
		}
		fields := strings.Fields(trimmed)
		for j, f := range fields {
			fields[j] = proxify(pctx, f, 0, "")
		}
		lines[i] = strings.Join(fields, " ")
	}
	return []byte(strings.Join(lines, "\n")), nil
}
