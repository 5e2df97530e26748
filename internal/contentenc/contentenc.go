// Package contentenc undoes and redoes HTTP Content-Encoding around body
// rewriting.
package contentenc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupported is returned for encodings this package cannot handle.
var ErrUnsupported = errors.New("unsupported content encoding")

// supported lists the codings in the order they are offered upstream.
var supported = []string{"gzip", "deflate", "br", "zstd"}

// Normalize lower-cases enc and maps aliases. "identity" becomes "".
func Normalize(enc string) string {
	enc = strings.ToLower(strings.TrimSpace(enc))
	switch enc {
	case "x-gzip":
		return "gzip"
	case "identity":
		return ""
	}
	return enc
}

// Supported reports whether enc can be decoded and re-encoded.
func Supported(enc string) bool {
	enc = Normalize(enc)
	if enc == "" {
		return true
	}
	for _, s := range supported {
		if s == enc {
			return true
		}
	}
	return false
}

// FilterAcceptEncoding keeps only the codings of an Accept-Encoding header
// that Supported accepts, preserving order and quality values.
func FilterAcceptEncoding(header string) string {
	var kept []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, _, _ := strings.Cut(part, ";")
		name = strings.TrimSpace(name)
		if name == "*" || (Normalize(name) != "" && Supported(name)) || strings.EqualFold(name, "identity") {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ", ")
}

// Decode returns body with the given Content-Encoding removed.
func Decode(body []byte, enc string) ([]byte, error) {
	var r io.Reader
	src := bytes.NewReader(body)

	switch Normalize(enc) {
	case "":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		r = zr
	case "deflate":
		// Servers disagree on whether "deflate" means zlib-wrapped or raw.
		zr, err := zlib.NewReader(src)
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		} else {
			defer zr.Close()
			r = zr
		}
	case "br":
		r = brotli.NewReader(src)
	case "zstd":
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, enc)
	}

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", enc, err)
	}
	return out, nil
}

// Encode applies the given Content-Encoding to body.
func Encode(body []byte, enc string) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch Normalize(enc) {
	case "":
		return body, nil
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w = zlib.NewWriter(&buf)
	case "br":
		w = brotli.NewWriter(&buf)
	case "zstd":
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		w = zw
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, enc)
	}

	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("encode %s: %w", enc, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", enc, err)
	}
	return buf.Bytes(), nil
}
