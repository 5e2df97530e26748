// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// UpstreamRequest is a request bound for a destination server.
type UpstreamRequest struct {
	Ctx    context.Context
	Method string
	URL    string
	Header http.Header
	Body   io.Reader

	// ContentLength is -1 when unknown.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be relayed back, after
// any header and body rewriting.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
