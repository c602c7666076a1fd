package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidateRejectsBadSessionValues(t *testing.T) {
	cfg := Defaults()
	cfg.Session.MaxSequenceGap = 0
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Session.TimeoutSeconds = -1
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadPeerValues(t *testing.T) {
	cfg := Defaults()
	cfg.Peer.FailureThreshold = 0
	assert.Error(t, Validate(cfg))

	cfg = Defaults()
	cfg.Peer.HalfOpenMaxCalls = 0
	assert.Error(t, Validate(cfg))
}

func TestSessionConfigFromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setDefaults()

	viper.Set("session.timeout_seconds", 120)
	viper.Set("session.max_sequence_gap", 7)

	cfg := NewSessionConfigFromViper()
	assert.Equal(t, 120, cfg.TimeoutSeconds)
	assert.Equal(t, uint64(7), cfg.MaxSequenceGap)
	assert.Equal(t, Defaults().Session.MaxSequence, cfg.MaxSequence)
	assert.Equal(t, 2*time.Minute, cfg.Timeout())
}

func TestPeerConfigFromViper(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setDefaults()

	viper.Set("peer.failure_threshold", 3)
	viper.Set("peer.recovery_timeout", "5s")

	cfg := NewPeerConfigFromViper()
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 5*time.Second, cfg.RecoveryTimeout)
	assert.Equal(t, Defaults().Peer.MaxRetries, cfg.MaxRetries)
}

func TestHandshakeConfigDefaults(t *testing.T) {
	cfg := DefaultHandshakeConfig()
	assert.Greater(t, cfg.RateLimit, 0.0)
	assert.GreaterOrEqual(t, cfg.RateBurst, 1)
}
