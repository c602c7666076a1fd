package config

import (
	"time"

	"github.com/spf13/viper"
)

// SessionConfig is the global configuration consumed by the session layer.
type SessionConfig struct {
	// sliding idle expiry applied to every session
	TimeoutSeconds int
	// largest accepted forward jump in a peer's sequence counter
	MaxSequenceGap uint64
	// modulus at which sequence counters wrap
	MaxSequence uint64
	// how often the expiry sweep runs
	SweepInterval time.Duration
}

// DefaultSessionConfig returns the compiled-in session configuration.
func DefaultSessionConfig() SessionConfig {
	d := Defaults().Session
	return SessionConfig{
		TimeoutSeconds: d.TimeoutSeconds,
		MaxSequenceGap: d.MaxSequenceGap,
		MaxSequence:    d.MaxSequence,
		SweepInterval:  d.SweepInterval,
	}
}

// NewSessionConfigFromViper creates a SessionConfig from current viper settings.
func NewSessionConfigFromViper() SessionConfig {
	return SessionConfig{
		TimeoutSeconds: viper.GetInt("session.timeout_seconds"),
		MaxSequenceGap: viper.GetUint64("session.max_sequence_gap"),
		MaxSequence:    viper.GetUint64("session.max_sequence"),
		SweepInterval:  viper.GetDuration("session.sweep_interval"),
	}
}

// Timeout returns the idle expiry as a duration.
func (c SessionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
