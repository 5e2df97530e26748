// Package origin answers same-origin questions in destination space.
//
// Every request physically targets the proxy, so the browser's own policy is
// always satisfied. Pages, however, must observe the policy of the site they
// believe they are on. The comparison here is deliberately looser than RFC
// 6454: hostnames that differ only by a leading "www." or by one being a
// dot-bounded subdomain of the other are treated as the same site, in either
// direction. Existing harness scripts rely on that; tightening it is a product
// decision, not a bug fix.
package origin

import (
	"strings"

	"session-proxy/internal/proxyurl"
)

// IsSubDomain reports whether sub is domain itself or one of its subdomains,
// ignoring a leading "www." on both.
func IsSubDomain(domain, sub string) bool {
	domain = trimWWW(strings.ToLower(domain))
	sub = trimWWW(strings.ToLower(sub))

	if domain == sub {
		return true
	}
	if domain == "" {
		return false
	}

	idx := strings.LastIndex(sub, domain)
	if idx <= 0 {
		return false
	}
	return sub[idx-1] == '.' && len(sub) == idx+len(domain)
}

// SameOrigin reports whether checkedURL, requested from a page at location,
// is same-origin with respect to the page's destination. location may be a
// proxy URL; its embedded destination is used in that case.
func SameOrigin(location, checkedURL string) bool {
	if checkedURL == "" {
		return true
	}

	loc := proxyurl.Parse(location)
	checked := proxyurl.Parse(checkedURL)

	if checked.Host == "" {
		return true
	}
	if checked.Host == loc.Host && strings.EqualFold(checked.Protocol, loc.Protocol) {
		return true
	}

	dest := loc
	if d, err := proxyurl.Decode(location); err == nil {
		dest = d.Dest
	}
	if dest.Host == "" {
		return false
	}

	if !strings.EqualFold(dest.Protocol, checked.Protocol) || !portsEqual(dest, checked) {
		return false
	}

	if strings.EqualFold(dest.Hostname, checked.Hostname) {
		return true
	}
	return IsSubDomain(dest.Hostname, checked.Hostname) || IsSubDomain(checked.Hostname, dest.Hostname)
}

func portsEqual(a, b proxyurl.Parts) bool {
	return effectivePort(a) == effectivePort(b)
}

func effectivePort(p proxyurl.Parts) string {
	if p.Port == "" {
		return proxyurl.DefaultPort(p.Protocol)
	}
	return p.Port
}

func trimWWW(host string) string {
	return strings.TrimPrefix(host, "www.")
}
