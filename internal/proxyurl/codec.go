// Package proxyurl encodes destination URLs into proxy URLs and decodes them
// back.
//
// Wire format:
//
//	http://<proxyHost>:<proxyPort>/<sessionId>[!<flags>][!<charset>]/<lower(proto)>//<lower(host)><rest>
//
// <flags> is any ordered subset of "ifs" (iframe, form, script). Trailing
// empty parameter fields are omitted; a charset with no flags keeps an empty
// flags field ("sid!!utf-8") so the two can never be confused.
package proxyurl

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Separator joins the parameter fields. It is not legal in a session id.
const Separator = "!"

var (
	// ErrNotProxyURL is returned by Decode when the input does not follow the
	// proxy URL grammar. Callers use it to fall through to another strategy.
	ErrNotProxyURL = errors.New("not a proxy url")

	// ErrMalformedDescriptor means the parameter segment has a shape the
	// encoder never produces. It indicates a codec defect, not user input.
	ErrMalformedDescriptor = errors.New("malformed resource descriptor")
)

// SpecialPages are non-network destinations that may still be proxied.
var SpecialPages = []string{"about:blank", "about:error"}

var (
	pathShapeRE = regexp.MustCompile(`^/(\S+?)/(\S+)`)
	flagsRE     = regexp.MustCompile(`^[a-z]*$`)
)

// Flags describe how a destination is being loaded.
type Flags uint8

const (
	FlagIFrame Flags = 1 << iota
	FlagForm
	FlagScript
)

var flagLetters = []struct {
	flag   Flags
	letter byte
}{
	{FlagIFrame, 'i'},
	{FlagForm, 'f'},
	{FlagScript, 's'},
}

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 && f2 != 0 }

// String returns the canonical i→f→s encoding, or "" for no flags.
func (f Flags) String() string {
	var b strings.Builder
	for _, fl := range flagLetters {
		if f&fl.flag != 0 {
			b.WriteByte(fl.letter)
		}
	}
	return b.String()
}

// ParseFlags presence-tests the known marker letters. Unknown letters are
// ignored so newer encoders stay readable.
func ParseFlags(s string) Flags {
	var f Flags
	for _, fl := range flagLetters {
		if strings.IndexByte(s, fl.letter) >= 0 {
			f |= fl.flag
		}
	}
	return f
}

// Descriptor is the decoded form of a proxy URL. Treat it as immutable.
type Descriptor struct {
	ProxyHostname string
	ProxyPort     string

	SessionID string
	Flags     Flags
	Charset   string

	DestURL string
	Dest    Parts
}

// IsSpecialPage reports whether the destination is a non-network page.
func (d Descriptor) IsSpecialPage() bool {
	return IsSpecialPage(d.DestURL)
}

// IsSpecialPage reports whether raw is one of SpecialPages.
func IsSpecialPage(raw string) bool {
	for _, p := range SpecialPages {
		if raw == p {
			return true
		}
	}
	return false
}

// Encode builds the proxy URL for dest.
func Encode(dest, proxyHostname string, proxyPort int, sessionID string, flags Flags, charset string) string {
	params := []string{sessionID}
	if charset != "" {
		params = append(params, flags.String(), charset)
	} else if flags != 0 {
		params = append(params, flags.String())
	}

	return "http://" + proxyHostname + ":" + strconv.Itoa(proxyPort) + "/" +
		strings.Join(params, Separator) + "/" + Canonicalize(dest)
}

// Canonicalize lower-cases the protocol and host of raw. The path, query and
// fragment are case-sensitive and left untouched.
func Canonicalize(raw string) string {
	p := Parse(raw)
	if p.IsRelative() {
		return p.PartAfterHost
	}

	sep := "//"
	if strings.EqualFold(p.Protocol, "about:") {
		sep = ""
	}
	return strings.ToLower(p.Protocol+sep+p.Host) + p.PartAfterHost
}

// Decode parses a proxy URL or a bare request target such as
// "/sid!s/http://example.com/app.js". It returns ErrNotProxyURL when raw does
// not match the grammar.
func Decode(raw string) (Descriptor, error) {
	outer := Parse(raw)
	if outer.PartAfterHost == "" {
		return Descriptor{}, ErrNotProxyURL
	}

	m := pathShapeRE.FindStringSubmatch(outer.PartAfterHost)
	if m == nil {
		return Descriptor{}, ErrNotProxyURL
	}

	params := strings.Split(m[1], Separator)
	if params[0] == "" {
		return Descriptor{}, ErrNotProxyURL
	}

	// Paths like "/static!v2/app.js" carry the separator but no routable
	// destination; they are not proxy URLs, whatever their parameters look like.
	d := Descriptor{
		ProxyHostname: outer.Hostname,
		ProxyPort:     outer.Port,
		SessionID:     params[0],
		DestURL:       m[2],
	}
	switch {
	case IsSpecialPage(d.DestURL):
		d.Dest = Parts{Protocol: "about:"}
	case supportedProtoRE.MatchString(d.DestURL):
		d.Dest = Parse(d.DestURL)
	default:
		return Descriptor{}, ErrNotProxyURL
	}

	if len(params) > 3 {
		return Descriptor{}, fmt.Errorf("%w: %d parameter fields", ErrMalformedDescriptor, len(params))
	}
	if len(params) > 1 {
		if !flagsRE.MatchString(params[1]) {
			return Descriptor{}, fmt.Errorf("%w: flags field %q", ErrMalformedDescriptor, params[1])
		}
		d.Flags = ParseFlags(params[1])
	}
	if len(params) > 2 {
		d.Charset = params[2]
	}

	return d, nil
}

// Is reports whether raw decodes as a proxy URL.
func Is(raw string) bool {
	_, err := Decode(raw)
	return err == nil
}
