package session

import "sync"

// Store maps session ids to live sessions for the lifetime of the process.
// A session is driven by at most one relay; [Store.Claim] hands it out once.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	claimed  map[string]struct{}
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		claimed:  make(map[string]struct{}),
	}
}

// Create builds a new session for userID and registers it.
func (st *Store) Create(userID string) *Session {
	s := New(userID)
	st.Register(s)
	return s
}

// Register adds s to the store, replacing any entry with the same id.
func (st *Store) Register(s *Session) {
	st.mu.Lock()
	st.sessions[s.ID()] = s
	st.mu.Unlock()
}

// Lookup returns the session registered under id.
func (st *Store) Lookup(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Claim returns the session registered under id and marks it owned by the
// caller. claimed is false when id is already owned; s is nil when id is not
// registered.
func (st *Store) Claim(id string) (s *Session, claimed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	if _, taken := st.claimed[id]; taken {
		return s, false
	}
	st.claimed[id] = struct{}{}
	return s, true
}

// Remove deletes id from the store, releasing any claim. Removing an unknown
// id is a no-op.
func (st *Store) Remove(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	delete(st.claimed, id)
	st.mu.Unlock()
}

// Len returns the number of registered sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
