// Package textenc recognises charset labels and transcodes bodies to and from
// UTF-8 around content rewriting.
package textenc

import (
	"fmt"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
)

// UTF8 is the canonical name of the UTF-8 encoding.
const UTF8 = "utf-8"

// Canonical returns the WHATWG canonical name for label, and false if the
// label is not a recognised encoding.
func Canonical(label string) (string, bool) {
	label = strings.Trim(strings.TrimSpace(label), `"'`)
	if label == "" {
		return "", false
	}
	enc, name := charset.Lookup(label)
	if enc == nil {
		return "", false
	}
	return name, true
}

// Detect guesses the encoding of an HTML body the way a browser would: BOM,
// then the Content-Type header, then <meta> prescan, then a default.
func Detect(body []byte, contentType string) string {
	_, name, _ := charset.DetermineEncoding(body, contentType)
	return name
}

// ToUTF8 decodes body from the named encoding.
func ToUTF8(body []byte, name string) ([]byte, error) {
	enc, err := lookup(name)
	if err != nil || enc == nil {
		return body, err
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}

// FromUTF8 encodes a UTF-8 body into the named encoding.
func FromUTF8(body []byte, name string) ([]byte, error) {
	enc, err := lookup(name)
	if err != nil || enc == nil {
		return body, err
	}
	out, err := encoding.ReplaceUnsupported(enc.NewEncoder()).Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return out, nil
}

// lookup returns nil for UTF-8 and the empty name, where no work is needed.
func lookup(name string) (encoding.Encoding, error) {
	if name == "" || strings.EqualFold(name, UTF8) {
		return nil, nil
	}
	enc, canonical := charset.Lookup(name)
	if enc == nil {
		return nil, fmt.Errorf("unknown charset %q", name)
	}
	if canonical == UTF8 {
		return nil, nil
	}
	return enc, nil
}
