package orm

import "sync"

// ScopeFunc derives the key that identifies the current scope, for
// example a request ID pulled from ambient state. The returned value
// must be comparable.
type ScopeFunc func() any

// ScopedSession hands out one session per scope key. The same key
// always observes the same session until Remove is called for it, so
// code sharing a scope shares an identity map.
type ScopedSession struct {
	mu      sync.Mutex
	factory func() *Session
	scope   ScopeFunc
	current map[any]*Session
}

// ScopedOption configures a ScopedSession.
type ScopedOption func(*ScopedSession)

// WithScopeFunc sets the scope-key resolver. Without it every caller
// shares a single scope.
func WithScopeFunc(fn ScopeFunc) ScopedOption {
	return func(ss *ScopedSession) { ss.scope = fn }
}

type globalScope struct{}

// NewScoped returns a session registry backed by the given factory.
func NewScoped(factory func() *Session, opts ...ScopedOption) *ScopedSession {
	ss := &ScopedSession{
		factory: factory,
		scope:   func() any { return globalScope{} },
		current: make(map[any]*Session),
	}
	for _, opt := range opts {
		opt(ss)
	}
	return ss
}

// Current returns the session for the current scope, creating it on
// first use.
func (ss *ScopedSession) Current() *Session {
	key := ss.scope()
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.current[key]
	if !ok {
		s = ss.factory()
		ss.current[key] = s
	}
	return s
}

// Remove closes and discards the current scope's session. The next
// call to Current for this scope creates a fresh one.
func (ss *ScopedSession) Remove() error {
	key := ss.scope()
	ss.mu.Lock()
	s, ok := ss.current[key]
	delete(ss.current, key)
	ss.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}
