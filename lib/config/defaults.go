package config

import (
	"path/filepath"
	"time"
)

// ConfigDefaults contains all default configuration values for agentwire.
// This centralizes default values to make them easy to discover, document, and modify.
//
// Design Principles:
// - All defaults should be sensible for typical use cases
// - Security defaults favor safety over convenience
// - Transport defaults isolate one misbehaving peer from the rest
type ConfigDefaults struct {
	// Session layer defaults
	Session SessionDefaults

	// Per-peer connection pool and circuit breaker defaults
	Peer PeerDefaults

	// Handshake flood protection defaults
	Handshake HandshakeDefaults

	// Node runtime defaults
	Node NodeDefaults
}

// SessionDefaults contains default values for the session layer
type SessionDefaults struct {
	// TimeoutSeconds is the sliding idle expiry for established sessions
	// Default: 3600 seconds
	TimeoutSeconds int

	// MaxSequenceGap is the largest forward jump accepted from a peer's
	// sequence counter before the message is rejected
	// Default: 100
	MaxSequenceGap uint64

	// MaxSequence is the modulus at which sequence counters wrap
	// Default: 2^32
	MaxSequence uint64

	// SweepInterval is how often expired sessions are removed
	// Default: 1 minute
	SweepInterval time.Duration
}

// PeerDefaults contains default per-peer transport values
type PeerDefaults struct {
	// MaxConnections is the connection cap for a peer's pool
	// Default: 10
	MaxConnections int

	// MaxKeepalive is how many idle connections are kept warm
	// Default: 5
	MaxKeepalive int

	// ConnectTimeout bounds connection establishment
	// Default: 10 seconds
	ConnectTimeout time.Duration

	// TotalTimeout bounds a whole request attempt
	// Default: 30 seconds
	TotalTimeout time.Duration

	// MaxRetries is the attempt bound for retryable failures
	// Default: 3
	MaxRetries int

	// FailureThreshold is consecutive failures before the breaker opens
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker rejects calls before probing
	// Default: 60 seconds
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the probe quota while half-open
	// Default: 3
	HalfOpenMaxCalls int
}

// HandshakeDefaults contains default values for inbound handshake flood protection
type HandshakeDefaults struct {
	// RateLimit is sustained inbound handshakes per second per peer
	// Default: 1
	RateLimit float64

	// RateBurst is the burst allowance per peer
	// Default: 5
	RateBurst int
}

// NodeDefaults contains default values for the node runtime
type NodeDefaults struct {
	// WorkingDir is where identity keys and runtime files live
	// Default: $HOME/.agentwire/config
	WorkingDir string

	// EntityID is the logical identifier announced to peers.
	// Default: "" (derived from the identity key when unset)
	EntityID string
}

// Defaults returns a ConfigDefaults instance with all default values set.
// This is the single source of truth for all configuration defaults.
func Defaults() ConfigDefaults {
	return ConfigDefaults{
		Session: SessionDefaults{
			TimeoutSeconds: 3600,
			MaxSequenceGap: 100,
			MaxSequence:    1 << 32,
			SweepInterval:  1 * time.Minute,
		},
		Peer: PeerDefaults{
			MaxConnections:   10,
			MaxKeepalive:     5,
			ConnectTimeout:   10 * time.Second,
			TotalTimeout:     30 * time.Second,
			MaxRetries:       3,
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			HalfOpenMaxCalls: 3,
		},
		Handshake: HandshakeDefaults{
			RateLimit: 1,
			RateBurst: 5,
		},
		Node: NodeDefaults{
			WorkingDir: filepath.Join(BuildAgentwireDirPath(), "config"),
			EntityID:   "",
		},
	}
}

// Validate checks if the provided configuration values are reasonable.
// Returns an error describing the first invalid value found.
func Validate(cfg ConfigDefaults) error {
	validators := []func() error{
		func() error { return validateSession(cfg.Session) },
		func() error { return validatePeer(cfg.Peer) },
		func() error { return validateHandshake(cfg.Handshake) },
	}
	for _, validator := range validators {
		if err := validator(); err != nil {
			log.WithError(err).Error("Configuration validation failed")
			return err
		}
	}
	return nil
}

func validateSession(session SessionDefaults) error {
	if session.TimeoutSeconds < 0 {
		log.WithField("timeout_seconds", session.TimeoutSeconds).Error("Invalid session configuration")
		return newValidationError("Session.TimeoutSeconds must not be negative")
	}
	if session.MaxSequenceGap < 1 {
		log.WithField("max_sequence_gap", session.MaxSequenceGap).Error("Invalid session configuration")
		return newValidationError("Session.MaxSequenceGap must be at least 1")
	}
	if session.MaxSequence < 2 {
		log.WithField("max_sequence", session.MaxSequence).Error("Invalid session configuration")
		return newValidationError("Session.MaxSequence must be at least 2")
	}
	return nil
}

func validatePeer(peer PeerDefaults) error {
	if peer.MaxConnections < 1 {
		log.WithField("max_connections", peer.MaxConnections).Error("Invalid peer configuration")
		return newValidationError("Peer.MaxConnections must be at least 1")
	}
	if peer.MaxRetries < 0 {
		log.WithField("max_retries", peer.MaxRetries).Error("Invalid peer configuration")
		return newValidationError("Peer.MaxRetries must not be negative")
	}
	if peer.FailureThreshold < 1 {
		log.WithField("failure_threshold", peer.FailureThreshold).Error("Invalid peer configuration")
		return newValidationError("Peer.FailureThreshold must be at least 1")
	}
	if peer.HalfOpenMaxCalls < 1 {
		log.WithField("half_open_max_calls", peer.HalfOpenMaxCalls).Error("Invalid peer configuration")
		return newValidationError("Peer.HalfOpenMaxCalls must be at least 1")
	}
	return nil
}

func validateHandshake(handshake HandshakeDefaults) error {
	if handshake.RateLimit <= 0 {
		log.WithField("rate_limit", handshake.RateLimit).Error("Invalid handshake configuration")
		return newValidationError("Handshake.RateLimit must be positive")
	}
	if handshake.RateBurst < 1 {
		log.WithField("rate_burst", handshake.RateBurst).Error("Invalid handshake configuration")
		return newValidationError("Handshake.RateBurst must be at least 1")
	}
	return nil
}

// validationError is returned when configuration validation fails
type validationError struct {
	message string
}

func newValidationError(message string) error {
	return &validationError{message: message}
}

func (e *validationError) Error() string {
	return "configuration validation failed: " + e.message
}
