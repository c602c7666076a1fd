package session

import (
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/agentwire/agentwire/lib/crypto/kdf"
)

// State is the lifecycle state of a Session.
type State uint8

const (
	StateInitial State = iota
	StateHandshakeSent
	StateHandshakeAcked
	StateEstablished
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateHandshakeAcked:
		return "handshake_acked"
	case StateEstablished:
		return "established"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session holds the negotiated cryptographic and ordering state for one
// ordered pair of entities. All mutation goes through the per-session mutex
// so concurrent sends on the same session never draw the same sequence
// number. Sessions are owned by the SessionManager; callers hold ids.
type Session struct {
	mu sync.Mutex

	id             string
	localEntityID  string
	remoteEntityID string

	state State

	// single-use DH keypair; the private half is scrubbed once session
	// keys have been derived
	ephemeralPrivate []byte
	ephemeralPublic  []byte

	sessionKeys *kdf.SessionKeys

	localSequence  uint64
	remoteSequence uint64
	maxSequence    uint64

	challenge []byte

	createdAt      time.Time
	lastActivity   time.Time
	timeoutSeconds int
}

func newSession(id, local, remote string, timeoutSeconds int, maxSequence uint64) *Session {
	now := time.Now()
	return &Session{
		id:             id,
		localEntityID:  local,
		remoteEntityID: remote,
		state:          StateInitial,
		maxSequence:    maxSequence,
		createdAt:      now,
		lastActivity:   now,
		timeoutSeconds: timeoutSeconds,
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) LocalEntityID() string  { return s.localEntityID }
func (s *Session) RemoteEntityID() string { return s.remoteEntityID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Established reports whether the session can encrypt and decrypt.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateEstablished
}

// Keys returns the session key material, present iff the session is
// established.
func (s *Session) Keys() *kdf.SessionKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKeys
}

// SetEphemeral installs the single-use DH keypair generated at session
// creation.
func (s *Session) SetEphemeral(private, public []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ephemeralPrivate = private
	s.ephemeralPublic = public
}

// EphemeralPrivate returns the DH private half, nil once keys are derived.
func (s *Session) EphemeralPrivate() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeralPrivate
}

// EphemeralPublic returns the DH public half.
func (s *Session) EphemeralPublic() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeralPublic
}

// SetChallenge binds the handshake anti-replay challenge to the session.
func (s *Session) SetChallenge(challenge []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenge = challenge
}

func (s *Session) Challenge() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.challenge
}

// MarkHandshakeSent records that the initiate message left this node.
func (s *Session) MarkHandshakeSent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitial {
		return oops.Errorf("cannot send handshake from state %s", s.state)
	}
	s.state = StateHandshakeSent
	s.lastActivity = time.Now()
	return nil
}

// Establish installs the derived session keys and moves the session to
// Established. The transition happens exactly once; a second call fails.
// The ephemeral private key is scrubbed here, it has no further use.
func (s *Session) Establish(sk *kdf.SessionKeys) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInitial, StateHandshakeSent, StateHandshakeAcked:
	default:
		return oops.Errorf("cannot establish session from state %s", s.state)
	}
	if sk == nil {
		return oops.Errorf("cannot establish session without keys")
	}
	s.sessionKeys = sk
	s.state = StateEstablished
	for i := range s.ephemeralPrivate {
		s.ephemeralPrivate[i] = 0
	}
	s.ephemeralPrivate = nil
	s.lastActivity = time.Now()
	return nil
}

// IsExpired reports whether the session has passed its sliding idle timeout.
// Expiry is measured from last activity, not creation.
func (s *Session) IsExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isExpiredLocked()
}

func (s *Session) isExpiredLocked() bool {
	switch s.state {
	case StateExpired, StateClosed:
		return true
	}
	return time.Since(s.lastActivity) > time.Duration(s.timeoutSeconds)*time.Second
}

// MarkExpired moves the session to its terminal Expired state and scrubs keys.
func (s *Session) MarkExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateExpired
	s.zeroizeLocked()
}

// Close moves the session to its terminal Closed state and scrubs keys.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExpired {
		return
	}
	s.state = StateClosed
	s.zeroizeLocked()
}

func (s *Session) zeroizeLocked() {
	if s.sessionKeys != nil {
		s.sessionKeys.Zeroize()
		s.sessionKeys = nil
	}
	for i := range s.ephemeralPrivate {
		s.ephemeralPrivate[i] = 0
	}
	s.ephemeralPrivate = nil
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the activity timestamp, for tests and inspection.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// NextLocalSequence draws the next outbound sequence number. Numbers are
// strictly increasing for the life of the session except at the configured
// wrap modulus, where the counter restarts at 1. Zero is never drawn so the
// strictly-greater acceptance rule stays meaningful after a wrap.
func (s *Session) NextLocalSequence() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateEstablished || s.isExpiredLocked() {
		return 0, oops.Errorf("cannot draw sequence in state %s: %w", s.state, ErrSessionExpired)
	}
	s.localSequence++
	if s.localSequence >= s.maxSequence {
		s.localSequence = 1
	}
	s.lastActivity = time.Now()
	return s.localSequence, nil
}

// AdmitRemoteSequence checks an inbound sequence number without accepting
// it. Used ahead of decryption so tampered ciphertexts do not burn sequence
// state.
func (s *Session) AdmitRemoteSequence(seq, maxGap uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitLocked(seq, maxGap)
}

// AcceptRemoteSequence atomically validates and advances the inbound
// sequence counter. Exactly one of several concurrent calls with the same
// value succeeds.
func (s *Session) AcceptRemoteSequence(seq, maxGap uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.admitLocked(seq, maxGap); err != nil {
		return err
	}
	s.remoteSequence = seq
	s.lastActivity = time.Now()
	return nil
}

// admitLocked enforces the acceptance law: an inbound value must be strictly
// greater than the last accepted value and at most maxGap ahead of it. The
// one exception is the wrap window: once the last accepted value is within
// maxGap of the modulus, small values that continue the gap past the wrap
// are admissible.
func (s *Session) admitLocked(seq, maxGap uint64) error {
	last := s.remoteSequence
	if seq > last {
		if seq-last > maxGap {
			return oops.Errorf("sequence %d exceeds max gap %d ahead of %d: %w", seq, maxGap, last, ErrSequence)
		}
		return nil
	}
	// wrap window
	if last+maxGap >= s.maxSequence {
		wrapped := (last + maxGap) % s.maxSequence
		if seq >= 1 && seq <= wrapped {
			return nil
		}
	}
	return oops.Errorf("sequence %d not greater than last accepted %d: %w", seq, last, ErrSequence)
}

// RemoteSequence returns the last accepted inbound sequence number.
func (s *Session) RemoteSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteSequence
}

// LocalSequence returns the last drawn outbound sequence number.
func (s *Session) LocalSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localSequence
}
