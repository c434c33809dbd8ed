package stream

import "sync"

// Registry maps connection ids to sessions. One RWMutex guards the map; a
// registry is owned by a Manager and never shared through globals.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register stores s under s.ID. A session previously registered under the
// same id is unlinked and torn down before Register returns; it is returned
// so callers can account for it.
func (r *Registry) Register(s *Session) *Session {
	r.mu.Lock()
	old := r.sessions[s.ID]
	r.sessions[s.ID] = s
	r.mu.Unlock()

	if old != nil && old != s {
		old.teardown()
		return old
	}
	return nil
}

// Lookup returns the session registered for id
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Remove unlinks the session for id and returns it. Removing an unknown id
// is a no-op.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// RemoveIf unlinks id only while it still maps to s, so that a finishing
// worker never removes a newer session registered under the same id
func (r *Registry) RemoveIf(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[id] != s {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns all registered sessions
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
