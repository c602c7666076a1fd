package messages

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/samber/oops"

	"github.com/agentwire/agentwire/lib/keys"
)

// ProtocolVersion is the wire protocol version this node speaks.
const ProtocolVersion = "1.0"

// SupportedVersions lists every protocol version this node accepts.
var SupportedVersions = []string{ProtocolVersion}

// Message envelope types.
const (
	TypeHandshake    = "handshake"
	TypeHandshakeAck = "handshake_ack"
	TypeMessage      = "message"
)

// NonceSize is the envelope nonce size in bytes. It matches the
// ChaCha20-Poly1305 nonce size so application messages reuse the envelope
// nonce as the AEAD nonce.
const NonceSize = 12

// Envelope is the stable wire shape shared by handshake and application
// messages. The signature covers the canonical serialization of the envelope
// with an empty signature field.
type Envelope struct {
	Version     string          `json:"version"`
	MsgType     string          `json:"msg_type"`
	SessionID   string          `json:"session_id"`
	SequenceNum uint64          `json:"sequence_num"`
	Timestamp   time.Time       `json:"timestamp"`
	Nonce       string          `json:"nonce"`
	Payload     json.RawMessage `json:"payload"`
	Signature   string          `json:"signature"`
}

// NewEnvelope builds an unsigned envelope with a fresh random nonce.
func NewEnvelope(msgType, sessionID string, now time.Time, payload interface{}) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, oops.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	nonce, err := NewRandomNonce()
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:   ProtocolVersion,
		MsgType:   msgType,
		SessionID: sessionID,
		Timestamp: now.UTC(),
		Nonce:     nonce,
		Payload:   raw,
	}, nil
}

// SigningBytes returns the canonical bytes covered by the envelope signature.
func (e *Envelope) SigningBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = ""
	data, err := json.Marshal(&unsigned)
	if err != nil {
		return nil, oops.Errorf("failed to serialize envelope for signing: %w", err)
	}
	return data, nil
}

// Sign signs the envelope with the given long-term identity.
func (e *Envelope) Sign(identity *keys.IdentityKeys) error {
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	e.Signature = encodeBase64(identity.Sign(data))
	return nil
}

// VerifySignature checks the envelope signature against pub.
func (e *Envelope) VerifySignature(pub []byte) error {
	sig, err := decodeBase64(e.Signature)
	if err != nil {
		return oops.Errorf("malformed envelope signature: %w", err)
	}
	data, err := e.SigningBytes()
	if err != nil {
		return err
	}
	return keys.Verify(pub, data, sig)
}

// NonceBytes decodes the envelope nonce.
func (e *Envelope) NonceBytes() ([]byte, error) {
	nonce, err := hex.DecodeString(e.Nonce)
	if err != nil {
		return nil, oops.Errorf("malformed envelope nonce: %w", err)
	}
	if len(nonce) != NonceSize {
		return nil, oops.Errorf("invalid envelope nonce length: %d", len(nonce))
	}
	return nonce, nil
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, oops.Errorf("failed to serialize envelope: %w", err)
	}
	return data, nil
}

// ParseEnvelope deserializes a received envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, oops.Errorf("failed to parse envelope: %w", err)
	}
	return e, nil
}

// NewRandomNonce returns NonceSize fresh random bytes, hex encoded.
func NewRandomNonce() (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", oops.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}
