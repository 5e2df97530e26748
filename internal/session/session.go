// Package session holds the per-browser-run state that proxied traffic is
// scoped to, and the registry the proxy looks sessions up in.
package session

import (
	"errors"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrInvalidID is returned when a session id could not be embedded in a
	// proxy URL.
	ErrInvalidID = errors.New("invalid session id")

	// ErrExists is returned when adding a session whose id is taken.
	ErrExists = errors.New("session already exists")
)

// idPattern keeps ids free of the proxy URL separator, slashes and
// whitespace. A leading underscore is reserved for proxy-owned routes.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// ValidID reports whether id can be used as a session id.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Injectable lists resources injected into every rewritten page, as paths on
// the proxy's own origin.
type Injectable struct {
	Scripts []string `json:"scripts"`
	Styles  []string `json:"styles"`
}

// Session is one controlled page instance. Fields are fixed at creation; the
// download counter is the only mutable state.
type Session struct {
	ID         string
	Referer    string
	Injectable Injectable
	CreatedAt  time.Time

	// OnFileDownload, if set, is called each time a response for this
	// session is detected as a file download.
	OnFileDownload func(*Session)

	downloads atomic.Int64
}

// New returns a session with the given id.
func New(id string, referer string, inj Injectable) (*Session, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	return &Session{
		ID:         id,
		Referer:    referer,
		Injectable: inj,
		CreatedAt:  time.Now(),
	}, nil
}

// HandleFileDownload records a file download and runs the callback.
func (s *Session) HandleFileDownload() {
	s.downloads.Add(1)
	if s.OnFileDownload != nil {
		s.OnFileDownload(s)
	}
}

// Downloads returns how many file downloads have been seen.
func (s *Session) Downloads() int64 {
	return s.downloads.Load()
}

// Registry maps session ids to sessions. Lookups never block.
type Registry struct {
	sessions sync.Map // string -> *Session
	count    atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers s. It fails if the id is already in use.
func (r *Registry) Add(s *Session) error {
	if _, loaded := r.sessions.LoadOrStore(s.ID, s); loaded {
		return ErrExists
	}
	r.count.Add(1)
	return nil
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove deletes the session with the given id and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.sessions.LoadAndDelete(id); ok {
		r.count.Add(-1)
		return true
	}
	return false
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []*Session {
	var out []*Session
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
