package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/samber/oops"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/time/rate"

	"github.com/agentwire/agentwire/lib/config"
	"github.com/agentwire/agentwire/lib/crypto/kdf"
	"github.com/agentwire/agentwire/lib/keys"
	"github.com/agentwire/agentwire/lib/messages"
	"github.com/agentwire/agentwire/lib/session"
	"github.com/agentwire/agentwire/lib/util/logger"
	timeutil "github.com/agentwire/agentwire/lib/util/time"
)

var log = logger.GetAgentwireLogger()

// challengeSize is the handshake anti-replay challenge length in bytes.
const challengeSize = 32

// handshakeMaxSkew bounds how stale an inbound handshake timestamp may be.
const handshakeMaxSkew = 5 * time.Minute

// CryptoManager orchestrates handshake construction/consumption and message
// encrypt/decrypt against sessions stored in the SessionManager. One
// CryptoManager serves one local entity.
type CryptoManager struct {
	HandshakeHandler

	localID  string
	identity *keys.IdentityKeys
	sessions *session.SessionManager
	clock    timeutil.Clock
	hsCfg    config.HandshakeConfig

	mu sync.Mutex
	// long-term peer keys, registered out-of-band or pinned on first contact
	peerKeys map[string][]byte
	// per-peer inbound handshake limiters
	limiters map[string]*rate.Limiter
}

// NewCryptoManager creates a CryptoManager for the given local entity.
func NewCryptoManager(localID string, identity *keys.IdentityKeys, sessions *session.SessionManager, clock timeutil.Clock, hsCfg config.HandshakeConfig) *CryptoManager {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &CryptoManager{
		localID:  localID,
		identity: identity,
		sessions: sessions,
		clock:    clock,
		hsCfg:    hsCfg,
		peerKeys: make(map[string][]byte),
		limiters: make(map[string]*rate.Limiter),
	}
}

// LocalID returns the local entity identifier.
func (cm *CryptoManager) LocalID() string {
	return cm.localID
}

// Identity returns the local long-term identity.
func (cm *CryptoManager) Identity() *keys.IdentityKeys {
	return cm.identity
}

// Sessions exposes the owning session manager.
func (cm *CryptoManager) Sessions() *session.SessionManager {
	return cm.sessions
}

// RegisterPeerKey records a peer's long-term public key, distributed
// out-of-band. Required before initiating a handshake to that peer.
func (cm *CryptoManager) RegisterPeerKey(remoteID string, pub []byte) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.peerKeys[remoteID] = append([]byte{}, pub...)
}

func (cm *CryptoManager) peerKey(remoteID string) ([]byte, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	pub, ok := cm.peerKeys[remoteID]
	return pub, ok
}

func (cm *CryptoManager) limiter(remoteID string) *rate.Limiter {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	l, ok := cm.limiters[remoteID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(cm.hsCfg.RateLimit), cm.hsCfg.RateBurst)
		cm.limiters[remoteID] = l
	}
	return l
}

// CreateSession allocates (or reuses) the session for the pair
// (local, remote) and equips a fresh session with its single-use DH keypair
// and handshake challenge. No network I/O happens here.
func (cm *CryptoManager) CreateSession(remoteID string) (*session.Session, error) {
	s, err := cm.sessions.CreateSession(cm.localID, remoteID)
	if err != nil {
		return nil, err
	}
	if len(s.EphemeralPublic()) == 0 {
		if err := cm.equipSession(s); err != nil {
			cm.sessions.TerminateSession(s.ID())
			return nil, err
		}
	}
	return s, nil
}

func (cm *CryptoManager) equipSession(s *session.Session) error {
	ephemeral, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return oops.Errorf("failed to generate ephemeral keypair: %w", err)
	}
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return oops.Errorf("failed to generate handshake challenge: %w", err)
	}
	s.SetEphemeral(ephemeral.Private, ephemeral.Public)
	s.SetChallenge(challenge)
	return nil
}

// CreateHandshakeMessage allocates a session and builds the signed initiate
// message for it. The session moves to HandshakeSent.
func (cm *CryptoManager) CreateHandshakeMessage(remoteID string) (*session.Session, *messages.Envelope, error) {
	s, err := cm.CreateSession(remoteID)
	if err != nil {
		return nil, nil, err
	}
	if s.Established() {
		return nil, nil, oops.Errorf("session %s with %s is already established", s.ID(), remoteID)
	}

	payload := messages.InitiatePayload{
		HandshakeType:      messages.HandshakeInitiate,
		EphemeralPublicKey: messages.EncodeKey(s.EphemeralPublic()),
		Challenge:          messages.EncodeKey(s.Challenge()),
		PublicKey:          messages.EncodeKey(cm.identity.PublicKey()),
		SupportedVersions:  messages.SupportedVersions,
	}
	env, err := messages.NewEnvelope(messages.TypeHandshake, s.ID(), cm.clock.Now(), payload)
	if err != nil {
		return nil, nil, err
	}
	if err := env.Sign(cm.identity); err != nil {
		return nil, nil, err
	}
	if err := s.MarkHandshakeSent(); err != nil {
		return nil, nil, err
	}
	log.WithFields(logger.Fields{
		"session_id": s.ID(),
		"remote":     remoteID,
	}).Debug("Built handshake initiate")
	return s, env, nil
}

// RespondToHandshake consumes an initiate envelope and produces the signed
// response. On success the responder-side session is Established: the
// responder trusts its own key derivation once the initiate signature
// verifies. Failures never leave a half-formed session behind.
func (cm *CryptoManager) RespondToHandshake(remoteID string, env *messages.Envelope) (*session.Session, *messages.Envelope, error) {
	if !cm.limiter(remoteID).Allow() {
		return nil, nil, oops.Errorf("too many handshakes from %s: %w", remoteID, ErrHandshakeFlood)
	}
	if env.MsgType != messages.TypeHandshake {
		return nil, nil, oops.Errorf("expected %s envelope, got %s", messages.TypeHandshake, env.MsgType)
	}
	payload, err := messages.DecodeInitiate(env.Payload)
	if err != nil {
		return nil, nil, err
	}
	if !cm.VersionSupported(env.Version, payload.SupportedVersions) {
		return nil, nil, oops.Errorf("no common version with %s (envelope %s): %w", remoteID, env.Version, ErrInvalidVersion)
	}
	if err := cm.checkFreshness(env); err != nil {
		return nil, nil, err
	}

	initiatorKey, err := messages.DecodeKey(payload.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	if pinned, ok := cm.peerKey(remoteID); ok {
		if !bytes.Equal(pinned, initiatorKey) {
			return nil, nil, oops.Errorf("initiate key does not match pinned key for %s: %w", remoteID, ErrInvalidSignature)
		}
	}
	if err := env.VerifySignature(initiatorKey); err != nil {
		return nil, nil, oops.Errorf("initiate from %s rejected: %w", remoteID, ErrInvalidSignature)
	}
	// pin on first contact
	cm.RegisterPeerKey(remoteID, initiatorKey)

	initiatorEphemeral, err := messages.DecodeKey(payload.EphemeralPublicKey)
	if err != nil {
		return nil, nil, err
	}
	challenge, err := messages.DecodeKey(payload.Challenge)
	if err != nil {
		return nil, nil, err
	}

	// a re-delivered initiate for a live session must not tear it down
	if existing := cm.sessions.GetSession(env.SessionID); existing != nil && existing.Established() {
		return nil, nil, oops.Errorf("initiate replays established session %s from %s", env.SessionID, remoteID)
	}

	s, err := cm.sessions.AdoptSession(cm.localID, remoteID, env.SessionID)
	if err != nil {
		return nil, nil, err
	}
	respEnv, err := cm.establishResponder(s, initiatorEphemeral, challenge)
	if err != nil {
		cm.sessions.TerminateSession(s.ID())
		return nil, nil, err
	}
	return s, respEnv, nil
}

func (cm *CryptoManager) establishResponder(s *session.Session, initiatorEphemeral, challenge []byte) (*messages.Envelope, error) {
	ephemeral, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, oops.Errorf("failed to generate ephemeral keypair: %w", err)
	}
	s.SetEphemeral(ephemeral.Private, ephemeral.Public)
	s.SetChallenge(challenge)

	secret, err := noise.DH25519.DH(ephemeral.Private, initiatorEphemeral)
	if err != nil {
		return nil, oops.Errorf("key agreement failed: %w", err)
	}
	sessionKeys, err := kdf.DeriveSessionKeys(secret)
	if err != nil {
		return nil, err
	}
	if err := s.Establish(sessionKeys); err != nil {
		return nil, err
	}

	payload := messages.ResponsePayload{
		HandshakeType:      messages.HandshakeResponse,
		ChallengeResponse:  cm.ChallengeResponse(challenge, cm.identity.PublicKey()),
		EphemeralPublicKey: messages.EncodeKey(ephemeral.Public),
	}
	env, err := messages.NewEnvelope(messages.TypeHandshakeAck, s.ID(), cm.clock.Now(), payload)
	if err != nil {
		return nil, err
	}
	if err := env.Sign(cm.identity); err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"session_id": s.ID(),
		"remote":     s.RemoteEntityID(),
	}).Debug("Responder established session")
	return env, nil
}

// ConfirmHandshake runs on the initiator: it consumes the responder's
// signed response, derives the identical session keys, establishes the
// session, and emits the final signed confirm message. A failed confirmation
// destroys the half-formed session.
func (cm *CryptoManager) ConfirmHandshake(sessionID string, env *messages.Envelope) (*messages.Envelope, error) {
	s := cm.sessions.GetSession(sessionID)
	if s == nil {
		return nil, oops.Errorf("no session %s to confirm: %w", sessionID, session.ErrSessionExpired)
	}
	confirmEnv, err := cm.confirmInitiator(s, env)
	if err != nil {
		cm.sessions.TerminateSession(sessionID)
		return nil, err
	}
	return confirmEnv, nil
}

func (cm *CryptoManager) confirmInitiator(s *session.Session, env *messages.Envelope) (*messages.Envelope, error) {
	if env.MsgType != messages.TypeHandshakeAck {
		return nil, oops.Errorf("expected %s envelope, got %s", messages.TypeHandshakeAck, env.MsgType)
	}
	payload, err := messages.DecodeResponse(env.Payload)
	if err != nil {
		return nil, err
	}

	responderKey, ok := cm.peerKey(s.RemoteEntityID())
	if !ok {
		return nil, oops.Errorf("no known key for %s: %w", s.RemoteEntityID(), ErrInvalidSignature)
	}
	if err := env.VerifySignature(responderKey); err != nil {
		return nil, oops.Errorf("response from %s rejected: %w", s.RemoteEntityID(), ErrInvalidSignature)
	}
	if err := cm.VerifyChallengeResponse(s.Challenge(), responderKey, payload.ChallengeResponse); err != nil {
		return nil, err
	}

	responderEphemeral, err := messages.DecodeKey(payload.EphemeralPublicKey)
	if err != nil {
		return nil, err
	}
	secret, err := noise.DH25519.DH(s.EphemeralPrivate(), responderEphemeral)
	if err != nil {
		return nil, oops.Errorf("key agreement failed: %w", err)
	}
	sessionKeys, err := kdf.DeriveSessionKeys(secret)
	if err != nil {
		return nil, err
	}
	if err := s.Establish(sessionKeys); err != nil {
		return nil, err
	}

	confirm := messages.ConfirmPayload{
		HandshakeType:      messages.HandshakeConfirm,
		SessionEstablished: true,
	}
	confirmEnv, err := messages.NewEnvelope(messages.TypeHandshake, s.ID(), cm.clock.Now(), confirm)
	if err != nil {
		return nil, err
	}
	if err := confirmEnv.Sign(cm.identity); err != nil {
		return nil, err
	}
	log.WithFields(logger.Fields{
		"session_id": s.ID(),
		"remote":     s.RemoteEntityID(),
	}).Debug("Initiator established session")
	return confirmEnv, nil
}

// AcknowledgeConfirm runs on the responder when the initiator's confirm
// arrives. The session is already usable; the confirm proves the initiator
// completed symmetrically and is kept for liveness and audit.
func (cm *CryptoManager) AcknowledgeConfirm(env *messages.Envelope) error {
	s := cm.sessions.GetSession(env.SessionID)
	if s == nil {
		return oops.Errorf("confirm for unknown session %s: %w", env.SessionID, session.ErrSessionExpired)
	}
	payload, err := messages.DecodeConfirm(env.Payload)
	if err != nil {
		return err
	}
	initiatorKey, ok := cm.peerKey(s.RemoteEntityID())
	if !ok {
		return oops.Errorf("no known key for %s: %w", s.RemoteEntityID(), ErrInvalidSignature)
	}
	if err := env.VerifySignature(initiatorKey); err != nil {
		return oops.Errorf("confirm from %s rejected: %w", s.RemoteEntityID(), ErrInvalidSignature)
	}
	if !payload.SessionEstablished {
		log.WithField("session_id", s.ID()).Warn("Peer reported failed establishment in confirm")
	}
	s.Touch()
	return nil
}

// EncryptMessage seals a payload for the session's peer. It draws the next
// local sequence number, encrypts the serialized payload under the session's
// encryption key with the envelope nonce, and returns the signed envelope.
func (cm *CryptoManager) EncryptMessage(sessionID string, payload interface{}) (*messages.Envelope, error) {
	s := cm.sessions.GetSession(sessionID)
	if s == nil || !s.Established() {
		return nil, oops.Errorf("session %s not usable for encryption: %w", sessionID, session.ErrSessionExpired)
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, oops.Errorf("failed to encode message payload: %w", err)
	}

	seq, err := s.NextLocalSequence()
	if err != nil {
		return nil, err
	}

	env, err := messages.NewEnvelope(messages.TypeMessage, sessionID, cm.clock.Now(), messages.CipherPayload{})
	if err != nil {
		return nil, err
	}
	nonce, err := env.NonceBytes()
	if err != nil {
		return nil, err
	}
	sessionKeys := s.Keys()
	if sessionKeys == nil {
		return nil, oops.Errorf("session %s lost its keys: %w", sessionID, session.ErrSessionExpired)
	}
	aead, err := chacha20poly1305.New(sessionKeys.EncryptionKey[:])
	if err != nil {
		return nil, oops.Errorf("failed to create AEAD cipher: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, messageAAD(sessionID, env.MsgType, seq))

	raw, err := json.Marshal(messages.CipherPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	})
	if err != nil {
		return nil, oops.Errorf("failed to encode ciphertext payload: %w", err)
	}
	env.Payload = raw
	env.SequenceNum = seq
	if err := env.Sign(cm.identity); err != nil {
		return nil, err
	}
	return env, nil
}

// DecryptMessage opens a received message envelope. The sequence number is
// admitted before decryption and accepted atomically after it, so a
// tampered ciphertext burns no sequence state and no race admits the same
// number twice. No partial plaintext is ever returned.
func (cm *CryptoManager) DecryptMessage(env *messages.Envelope) ([]byte, error) {
	s := cm.sessions.GetSession(env.SessionID)
	if s == nil || !s.Established() {
		return nil, oops.Errorf("session %s not usable for decryption: %w", env.SessionID, session.ErrSessionExpired)
	}
	if err := cm.sessions.AdmitSequence(env.SessionID, env.SequenceNum); err != nil {
		return nil, err
	}

	payload, err := messages.DecodeCipher(env.Payload)
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, oops.Errorf("malformed ciphertext encoding: %w", err)
	}
	nonce, err := env.NonceBytes()
	if err != nil {
		return nil, err
	}
	sessionKeys := s.Keys()
	if sessionKeys == nil {
		return nil, oops.Errorf("session %s lost its keys: %w", env.SessionID, session.ErrSessionExpired)
	}
	aead, err := chacha20poly1305.New(sessionKeys.EncryptionKey[:])
	if err != nil {
		return nil, oops.Errorf("failed to create AEAD cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, messageAAD(env.SessionID, env.MsgType, env.SequenceNum))
	if err != nil {
		return nil, oops.Errorf("message on session %s failed authentication: %w", env.SessionID, ErrDecryptionFailed)
	}

	if err := cm.sessions.ValidateAndUpdateSequence(env.SessionID, env.SequenceNum); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// DeliverHandshake is the inbound surface for discovery/routing
// collaborators: raw received handshake bytes go in, the reply envelope (if
// any) comes out. Confirm messages produce no reply.
func (cm *CryptoManager) DeliverHandshake(remoteID string, data []byte) (*messages.Envelope, error) {
	env, err := messages.ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	switch env.MsgType {
	case messages.TypeHandshake:
		var probe struct {
			HandshakeType string `json:"handshake_type"`
		}
		if err := json.Unmarshal(env.Payload, &probe); err != nil {
			return nil, oops.Errorf("failed to parse handshake payload: %w", err)
		}
		switch probe.HandshakeType {
		case messages.HandshakeInitiate:
			_, reply, err := cm.RespondToHandshake(remoteID, env)
			return reply, err
		case messages.HandshakeConfirm:
			return nil, cm.AcknowledgeConfirm(env)
		default:
			return nil, oops.Errorf("unknown handshake type %q", probe.HandshakeType)
		}
	case messages.TypeHandshakeAck:
		return cm.ConfirmHandshake(env.SessionID, env)
	default:
		return nil, oops.Errorf("unexpected envelope type %q on handshake surface", env.MsgType)
	}
}

// DeliverMessage is the inbound surface for application message envelopes.
func (cm *CryptoManager) DeliverMessage(data []byte) ([]byte, error) {
	env, err := messages.ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	return cm.DecryptMessage(env)
}

// messageAAD is the associated data authenticated alongside a message
// ciphertext. Binding the sequence number and type in means a re-delivered
// envelope with an altered sequence_num or msg_type fails the AEAD tag
// check instead of being accepted as a new message.
func messageAAD(sessionID, msgType string, seq uint64) []byte {
	aad := make([]byte, 0, len(sessionID)+len(msgType)+10)
	aad = append(aad, sessionID...)
	aad = append(aad, 0)
	aad = append(aad, msgType...)
	aad = append(aad, 0)
	return strconv.AppendUint(aad, seq, 10)
}

func (cm *CryptoManager) checkFreshness(env *messages.Envelope) error {
	age := cm.clock.Now().Sub(env.Timestamp)
	if age < 0 {
		age = -age
	}
	if age > handshakeMaxSkew {
		return oops.Errorf("handshake timestamp skewed by %s: %w", age, ErrInvalidSignature)
	}
	return nil
}
