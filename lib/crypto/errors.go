package crypto

import "github.com/samber/oops"

// error kinds surfaced by handshake and message crypto; session and
// sequence errors come from the session package unchanged
var (
	ErrInvalidVersion   = oops.Errorf("unsupported protocol version")
	ErrInvalidSignature = oops.Errorf("signature verification failed")
	ErrDecryptionFailed = oops.Errorf("authenticated decryption failed")
	ErrHandshakeFlood   = oops.Errorf("handshake rate limit exceeded")
)
