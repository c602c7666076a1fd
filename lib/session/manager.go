package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/agentwire/agentwire/lib/config"
	"github.com/agentwire/agentwire/lib/util/logger"
)

var log = logger.GetAgentwireLogger()

// Stats is a read-only snapshot of session manager counters.
type Stats struct {
	SessionsCreated uint64
	ActiveSessions  int
	MessagesOrdered uint64
	SessionsExpired uint64
	SequenceErrors  uint64
}

type pairKey struct {
	local  string
	remote string
}

// SessionManager owns every Session. It enforces at most one active session
// per ordered entity pair, validates inbound sequence numbers, and evicts
// expired sessions. Callers hold session ids, never session ownership.
type SessionManager struct {
	mu     sync.RWMutex
	cfg    config.SessionConfig
	byID   map[string]*Session
	byPair map[pairKey]string

	sessionsCreated uint64
	messagesOrdered uint64
	sessionsExpired uint64
	sequenceErrors  uint64
}

// NewSessionManager creates a manager with the given global session config.
func NewSessionManager(cfg config.SessionConfig) *SessionManager {
	return &SessionManager{
		cfg:    cfg,
		byID:   make(map[string]*Session),
		byPair: make(map[pairKey]string),
	}
}

// Config returns the global session configuration.
func (m *SessionManager) Config() config.SessionConfig {
	return m.cfg
}

// CreateSession returns the active session for the ordered pair, creating a
// fresh one only when none exists or the existing one has expired. Callers
// must not assume a fresh handshake on every call.
func (m *SessionManager) CreateSession(local, remote string) (*Session, error) {
	if local == "" || remote == "" {
		return nil, oops.Errorf("entity ids must not be empty")
	}
	key := pairKey{local: local, remote: remote}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byPair[key]; ok {
		if existing, ok := m.byID[id]; ok && !existing.IsExpired() {
			log.WithFields(logger.Fields{
				"session_id": id,
				"local":      local,
				"remote":     remote,
			}).Debug("Reusing active session for pair")
			return existing, nil
		}
		m.expireLocked(id)
	}

	s := newSession(uuid.NewString(), local, remote, m.cfg.TimeoutSeconds, m.cfg.MaxSequence)
	m.byID[s.ID()] = s
	m.byPair[key] = s.ID()
	m.sessionsCreated++
	log.WithFields(logger.Fields{
		"session_id": s.ID(),
		"local":      local,
		"remote":     remote,
	}).Debug("Created session")
	return s, nil
}

// AdoptSession creates a session under an id chosen by the remote initiator,
// so both sides of a handshake index the same session id. Reuses an active
// session if the pair already has one under this id.
func (m *SessionManager) AdoptSession(local, remote, sessionID string) (*Session, error) {
	if local == "" || remote == "" {
		return nil, oops.Errorf("entity ids must not be empty")
	}
	if sessionID == "" {
		return nil, oops.Errorf("adopted session id must not be empty")
	}
	key := pairKey{local: local, remote: remote}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[sessionID]; ok && !existing.IsExpired() {
		return existing, nil
	}
	if id, ok := m.byPair[key]; ok {
		m.expireLocked(id)
	}

	s := newSession(sessionID, local, remote, m.cfg.TimeoutSeconds, m.cfg.MaxSequence)
	m.byID[s.ID()] = s
	m.byPair[key] = s.ID()
	m.sessionsCreated++
	log.WithFields(logger.Fields{
		"session_id": sessionID,
		"local":      local,
		"remote":     remote,
	}).Debug("Adopted remote session id")
	return s, nil
}

// GetSession returns the session with the given id, or nil if it is unknown
// or expired. Expiry here is lazy: reading an expired session marks it
// Expired even if the background sweep has not run yet.
func (m *SessionManager) GetSession(sessionID string) *Session {
	m.mu.RLock()
	s := m.byID[sessionID]
	m.mu.RUnlock()
	if s == nil {
		return nil
	}
	if s.IsExpired() {
		s.MarkExpired()
		return nil
	}
	return s
}

// SessionForPair returns the active session for the ordered entity pair, or
// nil when the pair has none.
func (m *SessionManager) SessionForPair(local, remote string) *Session {
	m.mu.RLock()
	s := m.byID[m.byPair[pairKey{local: local, remote: remote}]]
	m.mu.RUnlock()
	if s == nil || s.IsExpired() {
		return nil
	}
	return s
}

// ActiveSessionIDs returns the ids of every tracked session.
func (m *SessionManager) ActiveSessionIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	return ids
}

// AdmitSequence checks an inbound sequence number without advancing state.
func (m *SessionManager) AdmitSequence(sessionID string, seq uint64) error {
	s := m.GetSession(sessionID)
	if s == nil {
		return oops.Errorf("unknown session %s: %w", sessionID, ErrSessionExpired)
	}
	if err := s.AdmitRemoteSequence(seq, m.cfg.MaxSequenceGap); err != nil {
		m.countSequenceError()
		return err
	}
	return nil
}

// ValidateAndUpdateSequence atomically validates an inbound sequence number
// and advances the session's expected-next value.
func (m *SessionManager) ValidateAndUpdateSequence(sessionID string, seq uint64) error {
	s := m.GetSession(sessionID)
	if s == nil {
		return oops.Errorf("unknown session %s: %w", sessionID, ErrSessionExpired)
	}
	if err := s.AcceptRemoteSequence(seq, m.cfg.MaxSequenceGap); err != nil {
		m.countSequenceError()
		return err
	}
	m.mu.Lock()
	m.messagesOrdered++
	m.mu.Unlock()
	return nil
}

func (m *SessionManager) countSequenceError() {
	m.mu.Lock()
	m.sequenceErrors++
	m.mu.Unlock()
}

// TerminateSession explicitly closes and removes a session. Idempotent: the
// second call for the same id returns false.
func (m *SessionManager) TerminateSession(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return false
	}
	s.Close()
	delete(m.byID, sessionID)
	delete(m.byPair, pairKey{local: s.LocalEntityID(), remote: s.RemoteEntityID()})
	log.WithField("session_id", sessionID).Debug("Terminated session")
	return true
}

// CleanupExpired removes every expired session and returns how many were
// evicted.
func (m *SessionManager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for id, s := range m.byID {
		if s.IsExpired() {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.expireLocked(id)
	}
	if len(expired) > 0 {
		log.WithField("count", len(expired)).Debug("Swept expired sessions")
	}
	return len(expired)
}

// expireLocked removes a session from both indices and counts the eviction.
// Caller holds m.mu.
func (m *SessionManager) expireLocked(id string) {
	s, ok := m.byID[id]
	if !ok {
		return
	}
	s.MarkExpired()
	delete(m.byID, id)
	delete(m.byPair, pairKey{local: s.LocalEntityID(), remote: s.RemoteEntityID()})
	m.sessionsExpired++
}

// StartSweeper runs the periodic expiry sweep until ctx is cancelled.
func (m *SessionManager) StartSweeper(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupExpired()
			}
		}
	}()
}

// Stats returns a read-only snapshot of the manager counters.
func (m *SessionManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	active := 0
	for _, s := range m.byID {
		if !s.IsExpired() {
			active++
		}
	}
	return Stats{
		SessionsCreated: m.sessionsCreated,
		ActiveSessions:  active,
		MessagesOrdered: m.messagesOrdered,
		SessionsExpired: m.sessionsExpired,
		SequenceErrors:  m.sequenceErrors,
	}
}
