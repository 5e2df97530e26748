package proxyurl

import (
	"regexp"
	"strings"
)

var (
	protocolRE       = regexp.MustCompile(`^([\w-]+?:)`)
	hostRE           = regexp.MustCompile(`^(.*?)([/%?;#]|$)`)
	portRE           = regexp.MustCompile(`:([0-9]*)$`)
	redundantSlashRE = regexp.MustCompile(`^/+(//.*)$`)
	supportedProtoRE = regexp.MustCompile(`(?i)^https?:`)
)

// Parts is a URL split the way a browser exposes it on window.location.
// Unlike net/url it never re-escapes or re-orders anything: the path, query
// and fragment are kept byte-for-byte in PartAfterHost.
type Parts struct {
	Protocol      string // including the trailing colon, e.g. "https:"
	Host          string // hostname[:port]
	Hostname      string
	Port          string
	PartAfterHost string
}

// IsRelative reports whether the URL carried neither a scheme nor an authority.
func (p Parts) IsRelative() bool {
	return p.Protocol == "" && p.Host == ""
}

// Parse splits raw into its parts. Relative URLs come back with only
// PartAfterHost set.
func Parse(raw string) Parts {
	var p Parts

	raw = prepare(raw)
	if raw == "" {
		return p
	}

	rest := raw
	if m := protocolRE.FindStringSubmatch(rest); m != nil {
		p.Protocol = m[1]
		rest = rest[len(m[1]):]
	}

	implicitProtocol := false
	if strings.HasPrefix(rest, "//") {
		implicitProtocol = true
		rest = rest[2:]
	}

	if p.Protocol == "" && !implicitProtocol {
		p.PartAfterHost = raw
		return p
	}

	m := hostRE.FindStringSubmatchIndex(rest)
	p.Host = rest[m[2]:m[3]]
	p.PartAfterHost = rest[m[3]:]

	if p.Host != "" {
		p.Hostname = p.Host
		if pm := portRE.FindStringSubmatchIndex(p.Host); pm != nil {
			p.Port = p.Host[pm[2]:pm[3]]
			p.Hostname = p.Host[:pm[0]]
		}
	}

	return p
}

// Format is the inverse of Parse.
func Format(p Parts) string {
	if p.Host == "" && (p.Hostname == "" || p.Port == "") {
		return p.PartAfterHost
	}

	var b strings.Builder
	b.WriteString(p.Protocol)
	b.WriteString("//")
	if p.Host != "" {
		b.WriteString(p.Host)
	} else {
		b.WriteString(p.Hostname)
		b.WriteString(":")
		b.WriteString(p.Port)
	}
	b.WriteString(p.PartAfterHost)
	return b.String()
}

// Domain returns protocol//host with no path.
func Domain(p Parts) string {
	return Format(Parts{
		Protocol: p.Protocol,
		Host:     p.Host,
		Hostname: p.Hostname,
		Port:     p.Port,
	})
}

// DefaultPort returns the implicit port of a network protocol, or "".
func DefaultPort(protocol string) string {
	switch strings.ToLower(protocol) {
	case "http:":
		return "80"
	case "https:":
		return "443"
	}
	return ""
}

// StripDefaultPort drops the port from p when it equals the protocol's
// default. Some origin servers match on a bare hostname only.
func StripDefaultPort(p Parts) Parts {
	if p.Port == "" || p.Port != DefaultPort(p.Protocol) {
		return p
	}
	p.Port = ""
	p.Host = p.Hostname
	return p
}

// IsSupportedProtocol reports whether raw can be routed through the proxy.
// Fragment-only references are not; scheme-less references are.
func IsSupportedProtocol(raw string) bool {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "#") {
		return false
	}
	m := protocolRE.FindString(raw)
	if m == "" {
		return true
	}
	return supportedProtoRE.MatchString(m)
}

// EnsureTrailingSlash removes a trailing slash from processed when src had
// none. URL normalisation steps tend to add one to bare-origin URLs.
func EnsureTrailingSlash(src, processed string) string {
	if !strings.HasSuffix(src, "/") {
		return strings.TrimSuffix(processed, "/")
	}
	return processed
}

func prepare(raw string) string {
	raw = strings.NewReplacer("\n", "", "\t", "").Replace(raw)
	raw = strings.TrimSpace(raw)
	// "//////example.com" means the same as "//example.com".
	return redundantSlashRE.ReplaceAllString(raw, "$1")
}
