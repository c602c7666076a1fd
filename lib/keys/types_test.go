package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	identity, err := NewIdentityKeys()
	require.NoError(t, err)

	data := []byte("agent handshake bytes")
	sig := identity.Sign(data)
	assert.NoError(t, Verify(identity.PublicKey(), data, sig))
}

func TestVerifyRejectsTamperedData(t *testing.T) {
	identity, err := NewIdentityKeys()
	require.NoError(t, err)

	data := []byte("agent handshake bytes")
	sig := identity.Sign(data)
	data[0] ^= 0xff
	assert.Error(t, Verify(identity.PublicKey(), data, sig))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	alice, err := NewIdentityKeys()
	require.NoError(t, err)
	mallory, err := NewIdentityKeys()
	require.NoError(t, err)

	data := []byte("payload")
	sig := alice.Sign(data)
	assert.Error(t, Verify(mallory.PublicKey(), data, sig))
	assert.Error(t, Verify([]byte("short"), data, sig))
}

func TestIdentityFromPrivateKey(t *testing.T) {
	identity, err := NewIdentityKeys()
	require.NoError(t, err)

	restored, err := IdentityFromPrivateKey(identity.PrivateKeyBytes())
	require.NoError(t, err)
	assert.Equal(t, identity.PublicKey(), restored.PublicKey())
	assert.Equal(t, identity.KeyID(), restored.KeyID())

	_, err = IdentityFromPrivateKey([]byte("truncated"))
	assert.Error(t, err)
}

func TestKeyIDIsStableAndShort(t *testing.T) {
	identity, err := NewIdentityKeys()
	require.NoError(t, err)

	id := identity.KeyID()
	assert.Len(t, id, 16)
	assert.Equal(t, id, identity.KeyID())
}
