package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/samber/oops"

	"github.com/agentwire/agentwire/lib/messages"
)

// HandshakeHandler is the stateless protocol logic shared by both sides of
// the three-message exchange. It owns no session state; the CryptoManager
// applies its verdicts to sessions.
type HandshakeHandler struct{}

// VersionSupported reports whether any offered version is one we speak.
func (HandshakeHandler) VersionSupported(envelopeVersion string, offered []string) bool {
	speak := func(v string) bool {
		for _, ours := range messages.SupportedVersions {
			if v == ours {
				return true
			}
		}
		return false
	}
	if !speak(envelopeVersion) {
		return false
	}
	if len(offered) == 0 {
		// an initiate without an offer list is taken at its envelope version
		return true
	}
	for _, v := range offered {
		if speak(v) {
			return true
		}
	}
	return false
}

// ChallengeResponse computes the one-way binding of a handshake challenge to
// the responder's long-term public key. The initiator recomputes it to prove
// the response belongs to this exchange and this responder.
func (HandshakeHandler) ChallengeResponse(challenge, responderPublicKey []byte) string {
	h := sha256.New()
	h.Write(challenge)
	h.Write(responderPublicKey)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChallengeResponse checks a received challenge response in constant
// time.
func (h HandshakeHandler) VerifyChallengeResponse(challenge, responderPublicKey []byte, got string) error {
	want := h.ChallengeResponse(challenge, responderPublicKey)
	if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		return oops.Errorf("challenge response mismatch: %w", ErrInvalidSignature)
	}
	return nil
}
