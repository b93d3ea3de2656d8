package session

import (
	"sync"

	"go.uber.org/zap"
)

// Outcome of a registration
type Outcome int

const (
	// Inserted means no session was registered under the client id
	Inserted Outcome = iota
	// Replaced means an existing session was evicted and closed
	Replaced
)

func (o Outcome) String() string {
	if o == Replaced {
		return "replaced"
	}
	return "inserted"
}

// Registry maps client ids to their live session. At most one session per
// client id is registered; a second login evicts the first. No socket I/O
// happens while the lock is held.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register stores s under its client id, evicting any previous session
func (r *Registry) Register(s *Session) Outcome {
	r.mu.Lock()
	prev, exists := r.sessions[s.ClientID]
	r.sessions[s.ClientID] = s
	r.mu.Unlock()

	if !exists || prev == s {
		r.logger.Info("session registered",
			zap.String("client_id", s.ClientID),
			zap.String("session_id", s.ID),
			zap.String("remote_addr", s.RemoteAddr()),
		)
		return Inserted
	}

	r.logger.Warn("session replaced by new login",
		zap.String("client_id", s.ClientID),
		zap.String("session_id", s.ID),
		zap.String("evicted_session_id", prev.ID),
		zap.String("evicted_remote_addr", prev.RemoteAddr()),
	)
	prev.Close()
	return Replaced
}

// Remove deletes whatever session is registered under clientID
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	s, ok := r.sessions[clientID]
	delete(r.sessions, clientID)
	r.mu.Unlock()

	if ok {
		r.logger.Info("session removed",
			zap.String("client_id", clientID),
			zap.String("session_id", s.ID),
		)
	}
}

// RemoveSession deletes s only if it is still the registered session for
// its client id, so an evicted connection cannot remove its replacement
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	current, ok := r.sessions[s.ClientID]
	removed := ok && current == s
	if removed {
		delete(r.sessions, s.ClientID)
	}
	r.mu.Unlock()

	if removed {
		r.logger.Info("session removed",
			zap.String("client_id", s.ClientID),
			zap.String("session_id", s.ID),
		)
	}
	return removed
}

// Lookup returns the live session for clientID
func (r *Registry) Lookup(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll removes and closes every session
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
