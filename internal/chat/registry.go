package chat

import "sync"

// SessionRegistry maps a live connection id to the user it joined as.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]User
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]User)}
}

// Register stores user under sessionID, overwriting any previous entry.
func (r *SessionRegistry) Register(sessionID string, user User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user.SessionID = sessionID
	r.sessions[sessionID] = user
}

func (r *SessionRegistry) Lookup(sessionID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.sessions[sessionID]
	return user, ok
}

// Unregister removes and returns the entry for sessionID.
func (r *SessionRegistry) Unregister(sessionID string) (User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	return user, ok
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
