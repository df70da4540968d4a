package moonchat

import (
	"sync"

	"go.uber.org/zap"
)

// Session is the explicit per-login context: the current identity plus
// the store that scopes this user's cached state. It replaces the
// process-wide globals of older clients; components hold a session
// rather than reaching into shared state, and reconcilers ask it
// whether an identity is still current before applying the effects of
// a REST response that raced a logout.
type Session struct {
	mu     sync.RWMutex
	user   *User
	store  Store
	logger *zap.Logger
}

func NewSession(store Store, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{store: store, logger: logger}
}

// Store returns the session-scoped persistent store.
func (s *Session) Store() Store { return s.store }

// User returns the current identity, or nil when logged out.
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// SetUser establishes the identity after a successful login or resume
// and persists it so the session survives a restart.
func (s *Session) SetUser(user *User) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	if user != nil {
		if err := s.store.Put(keyCurrentUser, user); err != nil {
			s.logger.Warn("failed to persist identity", zap.Error(err))
		}
	}
}

// Resume restores the identity persisted by a previous session.
// Returns nil when no identity was saved.
func (s *Session) Resume() *User {
	var user User
	ok, err := s.store.Get(keyCurrentUser, &user)
	if err != nil || !ok {
		return nil
	}
	s.mu.Lock()
	s.user = &user
	s.mu.Unlock()
	return &user
}

// Current reports whether userID is still the logged-in identity.
// In-flight REST calls cannot be aborted, so their handlers call this
// immediately before applying effects; a response that arrives after
// logout (or after a different login) is discarded.
func (s *Session) Current(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.ID == userID
}

// Logout drops the identity and clears every cached value for the
// session.
func (s *Session) Logout() {
	s.mu.Lock()
	s.user = nil
	s.mu.Unlock()
	if err := s.store.Clear(); err != nil {
		s.logger.Warn("failed to clear session store", zap.Error(err))
	}
}
