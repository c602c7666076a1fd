package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwire/agentwire/lib/crypto/kdf"
)

func testKeys(t *testing.T) *kdf.SessionKeys {
	t.Helper()
	sk, err := kdf.DeriveSessionKeys([]byte("test secret"))
	require.NoError(t, err)
	return sk
}

func TestInitiatorStatePath(t *testing.T) {
	s := newSession("id", "alice", "bob", 60, 1<<32)
	assert.Equal(t, StateInitial, s.State())

	require.NoError(t, s.MarkHandshakeSent())
	assert.Equal(t, StateHandshakeSent, s.State())

	require.NoError(t, s.Establish(testKeys(t)))
	assert.Equal(t, StateEstablished, s.State())
	assert.True(t, s.Established())
	assert.NotNil(t, s.Keys())
}

func TestResponderEstablishesDirectly(t *testing.T) {
	s := newSession("id", "bob", "alice", 60, 1<<32)
	require.NoError(t, s.Establish(testKeys(t)))
	assert.Equal(t, StateEstablished, s.State())
}

func TestEstablishHappensExactlyOnce(t *testing.T) {
	s := newSession("id", "alice", "bob", 60, 1<<32)
	require.NoError(t, s.Establish(testKeys(t)))
	assert.Error(t, s.Establish(testKeys(t)))
}

func TestKeysPresentIffEstablished(t *testing.T) {
	s := newSession("id", "alice", "bob", 60, 1<<32)
	assert.Nil(t, s.Keys())
	require.NoError(t, s.Establish(testKeys(t)))
	assert.NotNil(t, s.Keys())
	s.Close()
	assert.Nil(t, s.Keys())
}

func TestEphemeralPrivateScrubbedOnEstablish(t *testing.T) {
	s := newSession("id", "alice", "bob", 60, 1<<32)
	priv := []byte{1, 2, 3, 4}
	s.SetEphemeral(priv, []byte{5, 6, 7, 8})
	require.NoError(t, s.Establish(testKeys(t)))

	assert.Nil(t, s.EphemeralPrivate())
	assert.Equal(t, []byte{0, 0, 0, 0}, priv)
	assert.Equal(t, []byte{5, 6, 7, 8}, s.EphemeralPublic())
}

func TestZeroTimeoutExpiresImmediately(t *testing.T) {
	s := newSession("id", "alice", "bob", 0, 1<<32)
	assert.True(t, s.IsExpired())
}

func TestTerminalStatesStayTerminal(t *testing.T) {
	s := newSession("id", "alice", "bob", 60, 1<<32)
	s.MarkExpired()
	assert.Equal(t, StateExpired, s.State())
	s.Close()
	assert.Equal(t, StateExpired, s.State())
	assert.Error(t, s.Establish(testKeys(t)))

	s2 := newSession("id2", "alice", "bob", 60, 1<<32)
	s2.Close()
	assert.Equal(t, StateClosed, s2.State())
	s2.MarkExpired()
	assert.Equal(t, StateClosed, s2.State())
}

func TestSequenceDrawRequiresEstablished(t *testing.T) {
	s := newSession("id", "alice", "bob", 60, 1<<32)
	_, err := s.NextLocalSequence()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSessionExpired))
}

func TestLocalSequenceStrictlyIncreases(t *testing.T) {
	s := newSession("id", "alice", "bob", 60, 1<<32)
	require.NoError(t, s.Establish(testKeys(t)))

	prev := uint64(0)
	for i := 0; i < 100; i++ {
		seq, err := s.NextLocalSequence()
		require.NoError(t, err)
		assert.Greater(t, seq, prev)
		prev = seq
	}
}

func TestLocalSequenceWrapsAtModulus(t *testing.T) {
	s := newSession("id", "alice", "bob", 60, 5)
	require.NoError(t, s.Establish(testKeys(t)))

	got := []uint64{}
	for i := 0; i < 8; i++ {
		seq, err := s.NextLocalSequence()
		require.NoError(t, err)
		got = append(got, seq)
	}
	// wraps back to 1 at the modulus; zero is never drawn
	assert.Equal(t, []uint64{1, 2, 3, 4, 1, 2, 3, 4}, got)
}

func TestRemoteSequenceRejectsReplay(t *testing.T) {
	s := newSession("id", "alice", "bob", 60, 1<<32)
	require.NoError(t, s.AcceptRemoteSequence(1, 100))
	require.NoError(t, s.AcceptRemoteSequence(2, 100))

	err := s.AcceptRemoteSequence(2, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSequence))

	err = s.AcceptRemoteSequence(1, 100)
	assert.True(t, errors.Is(err, ErrSequence))
}

func TestRemoteSequenceGapBoundary(t *testing.T) {
	const gap = 10
	s := newSession("id", "alice", "bob", 60, 1<<32)
	require.NoError(t, s.AcceptRemoteSequence(5, gap))

	// n+g is accepted, n+g+1 is not
	assert.NoError(t, s.AdmitRemoteSequence(5+gap, gap))
	err := s.AdmitRemoteSequence(5+gap+1, gap)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSequence))
}

func TestRemoteSequenceWrapWindow(t *testing.T) {
	const modulus = 1 << 16
	const gap = 10
	s := newSession("id", "alice", "bob", 60, modulus)

	require.NoError(t, s.AcceptRemoteSequence(modulus-2, gap))
	// values continuing the gap past the wrap are admissible
	assert.NoError(t, s.AdmitRemoteSequence(1, gap))
	assert.NoError(t, s.AdmitRemoteSequence(8, gap))
	// beyond the wrapped window is still a sequence error
	assert.Error(t, s.AdmitRemoteSequence(9, gap))
}
