package pipeline

import (
	"errors"
	"fmt"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"

	"session-proxy/internal/proxyurl"
	"session-proxy/internal/session"
)

var (
	// ErrUndecodableURL means neither the request target nor its referer is a
	// proxy URL. The request is not proxy traffic.
	ErrUndecodableURL = errors.New("request is not addressed through the proxy")

	// ErrUnknownSession means the request decoded but names a session the
	// registry does not hold.
	ErrUnknownSession = errors.New("unknown session")
)

// Strategy names, in the order they are tried.
const (
	StrategyDirect  = "direct"
	StrategyReferer = "referer"
)

// SessionLookup is the read-only view of the session registry the resolver
// needs.
type SessionLookup interface {
	Get(id string) (*session.Session, bool)
}

// Resolution is the routing outcome for one request.
type Resolution struct {
	Dest     Destination
	Session  *session.Session
	Nature   Nature
	Strategy string
}

type resolveInput struct {
	target  string
	referer *proxyurl.Descriptor
}

type resolved struct {
	sessionID string
	dest      Destination
}

// strategy returns proxyurl.ErrNotProxyURL to hand over to the next one.
type strategy struct {
	name    string
	resolve func(in resolveInput) (resolved, error)
}

// Resolver recovers the session and destination of inbound requests.
type Resolver struct {
	sessions   SessionLookup
	referers   *lru.Cache[string, proxyurl.Descriptor]
	strategies []strategy
}

// NewResolver returns a Resolver. cacheSize bounds the number of decoded
// referers kept; zero disables the cache.
func NewResolver(sessions SessionLookup, cacheSize int) (*Resolver, error) {
	r := &Resolver{
		sessions: sessions,
		strategies: []strategy{
			{name: StrategyDirect, resolve: fromRequestURL},
			{name: StrategyReferer, resolve: fromReferer},
		},
	}
	if cacheSize > 0 {
		c, err := lru.New[string, proxyurl.Descriptor](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("referer cache: %w", err)
		}
		r.referers = c
	}
	return r, nil
}

// Resolve determines the destination and session of req.
func (r *Resolver) Resolve(req *http.Request) (*Resolution, error) {
	in := resolveInput{
		target:  requestTarget(req),
		referer: r.decodeReferer(req.Header.Get("Referer")),
	}

	var (
		res  resolved
		name string
		err  error
	)
	for _, s := range r.strategies {
		res, err = s.resolve(in)
		if errors.Is(err, proxyurl.ErrNotProxyURL) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
		name = s.name
		break
	}
	if name == "" {
		return nil, ErrUndecodableURL
	}

	sess, ok := r.sessions.Get(res.sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSession, res.sessionID)
	}

	dest := res.dest
	if in.referer != nil {
		dest.Referer = in.referer.DestURL
		dest.RequestOrigin = proxyurl.Domain(proxyurl.StripDefaultPort(in.referer.Dest))
	}

	return &Resolution{
		Dest:     dest,
		Session:  sess,
		Nature:   NatureOf(req.Header, dest.ResourceType),
		Strategy: name,
	}, nil
}

// decodeReferer returns nil when the referer is absent or does not decode.
// A bad referer only disables the referer strategy; it never fails a request
// whose own URL decodes.
func (r *Resolver) decodeReferer(referer string) *proxyurl.Descriptor {
	if referer == "" {
		return nil
	}
	if r.referers != nil {
		if d, ok := r.referers.Get(referer); ok {
			return &d
		}
	}

	d, err := proxyurl.Decode(referer)
	if err != nil {
		return nil
	}

	if r.referers != nil {
		r.referers.Add(referer, d)
	}
	return &d
}

func fromRequestURL(in resolveInput) (resolved, error) {
	d, err := proxyurl.Decode(in.target)
	if err != nil {
		return resolved{}, err
	}

	parts := proxyurl.StripDefaultPort(d.Dest)
	return resolved{
		sessionID: d.SessionID,
		dest: Destination{
			URL:           d.DestURL,
			Protocol:      parts.Protocol,
			Host:          parts.Host,
			Hostname:      parts.Hostname,
			Port:          parts.Port,
			PartAfterHost: parts.PartAfterHost,
			ResourceType:  resourceTypeOf(d.Flags),
			Charset:       d.Charset,
			Domain:        proxyurl.Domain(parts),
		},
	}, nil
}

// fromReferer rebuilds the destination of a sub-resource request whose own
// URL was never proxy-encoded: origin from the referer, path from the request.
func fromReferer(in resolveInput) (resolved, error) {
	if in.referer == nil || in.referer.IsSpecialPage() {
		return resolved{}, proxyurl.ErrNotProxyURL
	}

	parts := proxyurl.StripDefaultPort(in.referer.Dest)
	parts.PartAfterHost = proxyurl.Parse(in.target).PartAfterHost

	return resolved{
		sessionID: in.referer.SessionID,
		dest: Destination{
			URL:           proxyurl.Format(parts),
			Protocol:      parts.Protocol,
			Host:          parts.Host,
			Hostname:      parts.Hostname,
			Port:          parts.Port,
			PartAfterHost: parts.PartAfterHost,
			Domain:        proxyurl.Domain(parts),
		},
	}, nil
}

// requestTarget returns the raw request-target, which unlike URL.Path keeps
// the embedded destination unescaped and uncleaned.
func requestTarget(req *http.Request) string {
	if req.RequestURI != "" {
		return req.RequestURI
	}
	return req.URL.RequestURI()
}
