package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/agentwire/lib/config"
	"github.com/agentwire/agentwire/lib/keys"
	"github.com/agentwire/agentwire/lib/messages"
	"github.com/agentwire/agentwire/lib/session"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, entityID string) *CryptoManager {
	t.Helper()
	identity, err := keys.NewIdentityKeys()
	require.NoError(t, err)
	hsCfg := config.HandshakeConfig{RateLimit: 100, RateBurst: 100}
	return NewCryptoManager(entityID, identity, session.NewSessionManager(config.DefaultSessionConfig()), nil, hsCfg)
}

// runHandshake completes the three-message exchange between two managers and
// returns the shared session id.
func runHandshake(t *testing.T, alice, bob *CryptoManager) string {
	t.Helper()
	alice.RegisterPeerKey(bob.LocalID(), bob.Identity().PublicKey())

	aliceSess, initEnv, err := alice.CreateHandshakeMessage(bob.LocalID())
	require.NoError(t, err)
	assert.Equal(t, session.StateHandshakeSent, aliceSess.State())

	bobSess, respEnv, err := bob.RespondToHandshake(alice.LocalID(), initEnv)
	require.NoError(t, err)
	assert.True(t, bobSess.Established(), "responder establishes in one hop")
	assert.Equal(t, aliceSess.ID(), bobSess.ID())

	confirmEnv, err := alice.ConfirmHandshake(aliceSess.ID(), respEnv)
	require.NoError(t, err)
	assert.True(t, aliceSess.Established())

	require.NoError(t, bob.AcknowledgeConfirm(confirmEnv))
	return aliceSess.ID()
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")

	id := runHandshake(t, alice, bob)
	assert.True(t, alice.Sessions().GetSession(id).Established())
	assert.True(t, bob.Sessions().GetSession(id).Established())
}

func TestBothSidesDeriveIdenticalKeys(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")

	id := runHandshake(t, alice, bob)
	aliceKeys := alice.Sessions().GetSession(id).Keys()
	bobKeys := bob.Sessions().GetSession(id).Keys()
	require.NotNil(t, aliceKeys)
	require.NotNil(t, bobKeys)
	assert.Equal(t, aliceKeys.EncryptionKey, bobKeys.EncryptionKey)
	assert.Equal(t, aliceKeys.AuthKey, bobKeys.AuthKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	id := runHandshake(t, alice, bob)

	env, err := alice.EncryptMessage(id, map[string]int{"hello": 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.SequenceNum)

	plaintext, err := bob.DecryptMessage(env)
	require.NoError(t, err)

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(plaintext, &decoded))
	assert.Equal(t, map[string]int{"hello": 1}, decoded)
}

func TestTamperedCiphertextFailsDecryption(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	id := runHandshake(t, alice, bob)

	env, err := alice.EncryptMessage(id, map[string]string{"k": "v"})
	require.NoError(t, err)
	originalPayload := env.Payload

	payload, err := messages.DecodeCipher(env.Payload)
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0x01
	tampered, err := json.Marshal(messages.CipherPayload{
		Ciphertext: base64.StdEncoding.EncodeToString(raw),
	})
	require.NoError(t, err)
	env.Payload = tampered

	_, err = bob.DecryptMessage(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))

	// the tampered envelope burned no sequence state: the genuine one with
	// the same sequence number still gets through
	env.Payload = originalPayload
	_, err = bob.DecryptMessage(env)
	assert.NoError(t, err)
}

func TestReplayedEnvelopeRejected(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	id := runHandshake(t, alice, bob)

	env, err := alice.EncryptMessage(id, map[string]int{"n": 1})
	require.NoError(t, err)

	_, err = bob.DecryptMessage(env)
	require.NoError(t, err)

	_, err = bob.DecryptMessage(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrSequence))
}

func TestBumpedSequenceNumberRejected(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	id := runHandshake(t, alice, bob)

	env, err := alice.EncryptMessage(id, map[string]int{"n": 1})
	require.NoError(t, err)
	_, err = bob.DecryptMessage(env)
	require.NoError(t, err)

	// re-deliver the same ciphertext with the sequence number advanced:
	// the sequence check passes but the AEAD binding must not
	env.SequenceNum++
	_, err = bob.DecryptMessage(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))

	// the forgery burned nothing: the next genuine message still flows
	next, err := alice.EncryptMessage(id, map[string]int{"n": 2})
	require.NoError(t, err)
	_, err = bob.DecryptMessage(next)
	assert.NoError(t, err)
}

func TestAlteredMessageTypeRejected(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	id := runHandshake(t, alice, bob)

	env, err := alice.EncryptMessage(id, map[string]int{"n": 1})
	require.NoError(t, err)
	env.MsgType = messages.TypeHandshakeAck

	_, err = bob.DecryptMessage(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestReplayedInitiateLeavesSessionIntact(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	alice.RegisterPeerKey("bob", bob.Identity().PublicKey())

	aliceSess, initEnv, err := alice.CreateHandshakeMessage("bob")
	require.NoError(t, err)
	bobSess, respEnv, err := bob.RespondToHandshake("alice", initEnv)
	require.NoError(t, err)
	confirmEnv, err := alice.ConfirmHandshake(aliceSess.ID(), respEnv)
	require.NoError(t, err)
	require.NoError(t, bob.AcknowledgeConfirm(confirmEnv))

	// the network re-delivers the genuinely-signed initiate
	_, _, err = bob.RespondToHandshake("alice", initEnv)
	require.Error(t, err)

	assert.True(t, bobSess.Established(), "replayed initiate must not tear down the session")
	require.NotNil(t, bob.Sessions().GetSession(bobSess.ID()))

	env, err := alice.EncryptMessage(aliceSess.ID(), map[string]string{"still": "alive"})
	require.NoError(t, err)
	plaintext, err := bob.DecryptMessage(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"still":"alive"}`, string(plaintext))
}

func TestEncryptRequiresEstablishedSession(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	alice.RegisterPeerKey("bob", bob.Identity().PublicKey())

	s, _, err := alice.CreateHandshakeMessage("bob")
	require.NoError(t, err)

	_, err = alice.EncryptMessage(s.ID(), "payload")
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrSessionExpired))

	_, err = alice.EncryptMessage("unknown-session", "payload")
	assert.True(t, errors.Is(err, session.ErrSessionExpired))
}

func TestUnsupportedVersionRejectedWithoutSession(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	alice.RegisterPeerKey("bob", bob.Identity().PublicKey())

	_, initEnv, err := alice.CreateHandshakeMessage("bob")
	require.NoError(t, err)
	initEnv.Version = "0.9"

	_, _, err = bob.RespondToHandshake("alice", initEnv)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidVersion))
	assert.Equal(t, 0, bob.Sessions().Stats().ActiveSessions)
}

func TestForgedInitiateRejected(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	alice.RegisterPeerKey("bob", bob.Identity().PublicKey())

	_, initEnv, err := alice.CreateHandshakeMessage("bob")
	require.NoError(t, err)
	initEnv.SessionID = "different-session"

	_, _, err = bob.RespondToHandshake("alice", initEnv)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestConfirmRejectsBadChallengeResponse(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	alice.RegisterPeerKey("bob", bob.Identity().PublicKey())

	aliceSess, initEnv, err := alice.CreateHandshakeMessage("bob")
	require.NoError(t, err)
	_, respEnv, err := bob.RespondToHandshake("alice", initEnv)
	require.NoError(t, err)

	// a response forged by someone without bob's key fails the signature;
	// a response re-signed under a different identity fails the pinned check
	mallory, err := keys.NewIdentityKeys()
	require.NoError(t, err)
	require.NoError(t, respEnv.Sign(mallory))

	_, err = alice.ConfirmHandshake(aliceSess.ID(), respEnv)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignature))

	// the failed confirmation destroyed the half-formed session
	assert.Nil(t, alice.Sessions().GetSession(aliceSess.ID()))
}

func TestDeliverHandshakeSurface(t *testing.T) {
	alice := newTestManager(t, "alice")
	bob := newTestManager(t, "bob")
	alice.RegisterPeerKey("bob", bob.Identity().PublicKey())

	aliceSess, initEnv, err := alice.CreateHandshakeMessage("bob")
	require.NoError(t, err)

	initWire, err := initEnv.Marshal()
	require.NoError(t, err)
	respEnv, err := bob.DeliverHandshake("alice", initWire)
	require.NoError(t, err)
	require.NotNil(t, respEnv)

	respWire, err := respEnv.Marshal()
	require.NoError(t, err)
	confirmEnv, err := alice.DeliverHandshake("bob", respWire)
	require.NoError(t, err)
	require.NotNil(t, confirmEnv)

	confirmWire, err := confirmEnv.Marshal()
	require.NoError(t, err)
	reply, err := bob.DeliverHandshake("alice", confirmWire)
	require.NoError(t, err)
	assert.Nil(t, reply, "confirm produces no reply")

	// application message over the wire surface
	msgEnv, err := alice.EncryptMessage(aliceSess.ID(), map[string]bool{"ok": true})
	require.NoError(t, err)
	msgWire, err := msgEnv.Marshal()
	require.NoError(t, err)
	plaintext, err := bob.DeliverMessage(msgWire)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(plaintext))
}

func TestHandshakeFloodLimited(t *testing.T) {
	alice := newTestManager(t, "alice")

	identity, err := keys.NewIdentityKeys()
	require.NoError(t, err)
	bob := NewCryptoManager("bob", identity,
		session.NewSessionManager(config.DefaultSessionConfig()), nil,
		config.HandshakeConfig{RateLimit: 1, RateBurst: 2})
	alice.RegisterPeerKey("bob", bob.Identity().PublicKey())

	var floodErr error
	for i := 0; i < 3; i++ {
		_, initEnv, err := alice.CreateHandshakeMessage("bob")
		require.NoError(t, err)
		if _, _, err := bob.RespondToHandshake("alice", initEnv); err != nil {
			floodErr = err
			break
		}
		// terminate so the next initiate allocates a fresh session
		require.True(t, alice.Sessions().TerminateSession(initEnv.SessionID))
		bob.Sessions().TerminateSession(initEnv.SessionID)
	}
	require.Error(t, floodErr)
	assert.True(t, errors.Is(floodErr, ErrHandshakeFlood))
}

func TestStaleHandshakeRejected(t *testing.T) {
	alice := newTestManager(t, "alice")

	identity, err := keys.NewIdentityKeys()
	require.NoError(t, err)
	past := fixedClock{now: time.Now().Add(-time.Hour)}
	stale := NewCryptoManager("stale", identity,
		session.NewSessionManager(config.DefaultSessionConfig()), past,
		config.HandshakeConfig{RateLimit: 100, RateBurst: 100})
	stale.RegisterPeerKey("alice", alice.Identity().PublicKey())

	_, initEnv, err := stale.CreateHandshakeMessage("alice")
	require.NoError(t, err)

	_, _, err = alice.RespondToHandshake("stale", initEnv)
	require.Error(t, err)
}
