package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAuthorizationFailure is returned when a critical check blocks an action
	ErrAuthorizationFailure = errors.New("authorization failure: session failed critical validation")
	// ErrSessionInvalid marks a session that has been invalidated and must log in again
	ErrSessionInvalid = errors.New("session invalid")
	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")
)

// Session is the per-browser authentication state
type Session struct {
	ID          string
	AccessToken string
	CreatedAt   time.Time

	mutex             sync.Mutex
	authenticated     bool
	tokenValid        bool
	lastChecked       time.Time
	lastCriticalCheck time.Time
	criticalPassed    bool
	invalidated       bool
}

// State is a point-in-time copy of a session's validation fields
type State struct {
	ID                string    `json:"sessionId"`
	Authenticated     bool      `json:"authenticated"`
	TokenValid        bool      `json:"tokenValid"`
	LastChecked       time.Time `json:"lastChecked"`
	LastCriticalCheck time.Time `json:"lastCriticalCheck"`
	Invalidated       bool      `json:"invalidated"`
}

// New creates a session for a broker access token
func New(accessToken string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		AccessToken: accessToken,
		CreatedAt:   time.Now(),
	}
}

// State returns a snapshot of the validation fields
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return State{
		ID:                s.ID,
		Authenticated:     s.authenticated,
		TokenValid:        s.tokenValid,
		LastChecked:       s.lastChecked,
		LastCriticalCheck: s.lastCriticalCheck,
		Invalidated:       s.invalidated,
	}
}

// Invalidated reports whether the session is terminal
func (s *Session) Invalidated() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.invalidated
}

// apply records a routine check result. tokenValid implies authenticated.
func (s *Session) apply(authenticated, tokenValid bool, at time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.invalidated {
		return
	}
	s.authenticated = authenticated
	s.tokenValid = tokenValid && authenticated
	s.lastChecked = at
}

// passCritical records a successful deep validation
func (s *Session) passCritical(at time.Time) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.invalidated {
		return
	}
	s.authenticated = true
	s.tokenValid = true
	s.lastChecked = at
	s.lastCriticalCheck = at
	s.criticalPassed = true
}

// invalidate clears both flags and reports whether this call did the transition
func (s *Session) invalidate() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.invalidated {
		return false
	}
	s.invalidated = true
	s.authenticated = false
	s.tokenValid = false
	s.criticalPassed = false
	return true
}

// Store is the in-memory session table
type Store struct {
	mutex    sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers a new session for an access token
func (st *Store) Create(accessToken string) *Session {
	s := New(accessToken)
	st.mutex.Lock()
	st.sessions[s.ID] = s
	st.mutex.Unlock()
	return s
}

// Get returns a live session
func (st *Store) Get(id string) (*Session, error) {
	st.mutex.RLock()
	s, exists := st.sessions[id]
	st.mutex.RUnlock()

	if !exists {
		return nil, ErrSessionNotFound
	}
	if s.Invalidated() {
		return nil, ErrSessionInvalid
	}
	return s, nil
}

// Remove deletes a session from the store
func (st *Store) Remove(id string) {
	st.mutex.Lock()
	delete(st.sessions, id)
	st.mutex.Unlock()
}

// All returns every stored session
func (st *Store) All() []*Session {
	st.mutex.RLock()
	defer st.mutex.RUnlock()

	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of stored sessions
func (st *Store) Len() int {
	st.mutex.RLock()
	defer st.mutex.RUnlock()
	return len(st.sessions)
}

// MaskToken keeps access tokens out of logs
func MaskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
