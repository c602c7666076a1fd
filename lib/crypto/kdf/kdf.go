package kdf

import (
	"crypto/sha256"
	"io"

	"github.com/samber/oops"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of each derived symmetric key.
const KeySize = 32

// Expansion labels. Distinct info strings keep the encryption and
// authentication keys cryptographically independent even though both come
// from the same shared secret.
var (
	encInfo  = []byte("agentwire-enc")
	authInfo = []byte("agentwire-auth")
)

// SessionKeys is the symmetric key material of one established session.
// Never persisted; Zeroize must be called when the owning session is
// destroyed.
type SessionKeys struct {
	EncryptionKey [KeySize]byte
	AuthKey       [KeySize]byte
}

// DeriveSessionKeys expands a Diffie-Hellman shared secret into the two
// session keys with HKDF-SHA256. Derivation is deterministic: the same
// secret always yields the same keys on both sides of a handshake.
func DeriveSessionKeys(sharedSecret []byte) (*SessionKeys, error) {
	if len(sharedSecret) == 0 {
		return nil, oops.Errorf("cannot derive session keys from empty secret")
	}

	sk := &SessionKeys{}
	if err := expand(sharedSecret, encInfo, sk.EncryptionKey[:]); err != nil {
		return nil, err
	}
	if err := expand(sharedSecret, authInfo, sk.AuthKey[:]); err != nil {
		return nil, err
	}
	return sk, nil
}

func expand(secret, info, out []byte) error {
	reader := hkdf.New(sha256.New, secret, nil, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		return oops.Errorf("hkdf expansion failed: %w", err)
	}
	return nil
}

// Zeroize scrubs the key material in place.
func (sk *SessionKeys) Zeroize() {
	for i := range sk.EncryptionKey {
		sk.EncryptionKey[i] = 0
	}
	for i := range sk.AuthKey {
		sk.AuthKey[i] = 0
	}
}
