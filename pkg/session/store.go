package session

import "sync"

// Store is the call-scoped session table. Entries live from the first
// telephony message for a call id until the relay's close handler removes
// them; nothing is persisted across process restarts.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for callID, creating it if absent.
// Repeated calls with the same id return the same session until removal.
func (st *Store) GetOrCreate(callID string) *Session {
	st.mu.RLock()
	sess := st.sessions[callID]
	st.mu.RUnlock()
	if sess != nil {
		return sess
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if sess := st.sessions[callID]; sess != nil {
		return sess
	}
	sess = &Session{ID: callID}
	st.sessions[callID] = sess
	return sess
}

// Get returns the session for callID, or nil.
func (st *Store) Get(callID string) *Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.sessions[callID]
}

// Remove deletes the session for callID. Removing an absent id is a no-op.
func (st *Store) Remove(callID string) {
	st.mu.Lock()
	delete(st.sessions, callID)
	st.mu.Unlock()
}

// Len returns the number of active sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
