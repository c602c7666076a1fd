package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/samber/oops"

	"github.com/agentwire/agentwire/lib/util/logger"
)

var log = logger.GetAgentwireLogger()

// KeyStore is an interface for storing and retrieving an identity
type KeyStore interface {
	KeyID() string
	// GetKeys returns the identity keypair
	GetKeys() (*IdentityKeys, error)
	// StoreKeys stores the keys
	StoreKeys() error
}

// IdentityKeys is the long-term Ed25519 identity of an agent. The public half
// is shared with peers out-of-band; the private half signs every handshake
// message this agent emits. Immutable once generated.
type IdentityKeys struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewIdentityKeys generates a fresh identity keypair.
func NewIdentityKeys() (*IdentityKeys, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, oops.Errorf("failed to generate identity keypair: %w", err)
	}
	return &IdentityKeys{privateKey: priv, publicKey: pub}, nil
}

// IdentityFromPrivateKey restores an identity from stored private key bytes.
func IdentityFromPrivateKey(keyData []byte) (*IdentityKeys, error) {
	if len(keyData) != ed25519.PrivateKeySize {
		return nil, oops.Errorf("invalid identity key length: %d", len(keyData))
	}
	priv := ed25519.PrivateKey(append([]byte{}, keyData...))
	return &IdentityKeys{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// Sign signs data with the long-term private key.
func (k *IdentityKeys) Sign(data []byte) []byte {
	return ed25519.Sign(k.privateKey, data)
}

// PublicKey returns the public half as raw bytes.
func (k *IdentityKeys) PublicKey() []byte {
	return append([]byte{}, k.publicKey...)
}

// PrivateKeyBytes returns the private key bytes for persistence.
func (k *IdentityKeys) PrivateKeyBytes() []byte {
	return append([]byte{}, k.privateKey...)
}

// KeyID returns a short human-readable identifier derived from the public key.
func (k *IdentityKeys) KeyID() string {
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(k.publicKey)
	id := strings.ToLower(encoded)
	if len(id) > 16 {
		id = id[:16]
	}
	return id
}

// Verify checks an Ed25519 signature made by the holder of pub.
func Verify(pub, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return oops.Errorf("invalid public key length: %d", len(pub))
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return oops.Errorf("signature verification failed")
	}
	return nil
}
