package broker

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/vanpelt/runbridge/internal/logger"
)

// DefaultSessionID names the shared session created at server start.
const DefaultSessionID = "default"

// ErrTooManySessions is returned by GetOrCreate when the registry is full.
var ErrTooManySessions = errors.New("session limit reached")

// Registry owns the named sessions of one broker process. Sessions live until
// the registry is closed; an unused session simply sits idle.
type Registry struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the session for id, creating it on first use. The id is
// sanitized first.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	id = SanitizeSessionID(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if len(r.sessions) >= r.opts.MaxSessions {
		return nil, ErrTooManySessions
	}
	s := NewSession(id, r.opts)
	r.sessions[id] = s
	logger.Infof("✅ Created session: %s", id)
	return s, nil
}

// Get looks up an existing session without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	id = SanitizeSessionID(id)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// MaxReplayFrames is the largest backlog replay a session may send one
// viewer on attach.
func (r *Registry) MaxReplayFrames() int {
	return r.opts.MaxReplayFrames()
}

// List reports every session's status, ordered by id.
func (r *Registry) List() []Status {
	sessions := r.snapshot()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CredentialsChanged notifies every session that the stored credential was
// written or removed.
func (r *Registry) CredentialsChanged() {
	for _, s := range r.snapshot() {
		s.CredentialsChanged()
	}
}

// Close disposes of every session. Safe to call more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SanitizeSessionID strips path traversal, control characters and excess
// length from a client-supplied session id.
func SanitizeSessionID(id string) string {
	id = strings.ReplaceAll(id, "..", "")
	id = strings.ReplaceAll(id, "~/", "")
	id = strings.ReplaceAll(id, "~", "")
	id = strings.TrimPrefix(id, "/")

	id = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, id)

	if len(id) > 100 {
		id = id[:100]
	}
	if id == "" {
		id = DefaultSessionID
	}
	return id
}
