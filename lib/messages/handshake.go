package messages

import (
	"encoding/base64"
	"encoding/json"

	"github.com/samber/oops"
)

// Handshake sub-types carried in the payload.
const (
	HandshakeInitiate = "initiate"
	HandshakeResponse = "response"
	HandshakeConfirm  = "confirm"
)

// InitiatePayload is the first handshake message, sent by the initiator.
type InitiatePayload struct {
	HandshakeType      string   `json:"handshake_type"`
	EphemeralPublicKey string   `json:"ephemeral_public_key"`
	Challenge          string   `json:"challenge"`
	PublicKey          string   `json:"public_key"`
	SupportedVersions  []string `json:"supported_versions"`
}

// ResponsePayload is the responder's reply. The challenge response proves the
// responder saw this exchange's challenge and holds its long-term key.
type ResponsePayload struct {
	HandshakeType      string `json:"handshake_type"`
	ChallengeResponse  string `json:"challenge_response"`
	EphemeralPublicKey string `json:"ephemeral_public_key"`
}

// ConfirmPayload is the initiator's final message, closing the exchange.
type ConfirmPayload struct {
	HandshakeType      string `json:"handshake_type"`
	SessionEstablished bool   `json:"session_established"`
}

// CipherPayload is the payload of an application message envelope.
type CipherPayload struct {
	Ciphertext string `json:"ciphertext"`
}

// DecodeInitiate parses and sanity-checks an initiate payload.
func DecodeInitiate(raw json.RawMessage) (*InitiatePayload, error) {
	p := &InitiatePayload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, oops.Errorf("failed to parse initiate payload: %w", err)
	}
	if p.HandshakeType != HandshakeInitiate {
		return nil, oops.Errorf("unexpected handshake type %q", p.HandshakeType)
	}
	return p, nil
}

// DecodeResponse parses and sanity-checks a response payload.
func DecodeResponse(raw json.RawMessage) (*ResponsePayload, error) {
	p := &ResponsePayload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, oops.Errorf("failed to parse response payload: %w", err)
	}
	if p.HandshakeType != HandshakeResponse {
		return nil, oops.Errorf("unexpected handshake type %q", p.HandshakeType)
	}
	return p, nil
}

// DecodeConfirm parses and sanity-checks a confirm payload.
func DecodeConfirm(raw json.RawMessage) (*ConfirmPayload, error) {
	p := &ConfirmPayload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, oops.Errorf("failed to parse confirm payload: %w", err)
	}
	if p.HandshakeType != HandshakeConfirm {
		return nil, oops.Errorf("unexpected handshake type %q", p.HandshakeType)
	}
	return p, nil
}

// DecodeCipher parses an application message payload.
func DecodeCipher(raw json.RawMessage) (*CipherPayload, error) {
	p := &CipherPayload{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, oops.Errorf("failed to parse message payload: %w", err)
	}
	return p, nil
}

func encodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func decodeBase64(value string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(value)
}

// EncodeKey encodes raw key bytes for a payload field.
func EncodeKey(key []byte) string {
	return encodeBase64(key)
}

// DecodeKey decodes a payload key field.
func DecodeKey(value string) ([]byte, error) {
	key, err := decodeBase64(value)
	if err != nil {
		return nil, oops.Errorf("malformed key encoding: %w", err)
	}
	return key, nil
}
