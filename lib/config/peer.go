package config

import (
	"time"

	"github.com/spf13/viper"
)

// PeerConfig is the per-peer connection pool and circuit breaker configuration.
// A zero value is not useful; construct through DefaultPeerConfig or
// NewPeerConfigFromViper and override individual fields.
type PeerConfig struct {
	MaxConnections   int
	MaxKeepalive     int
	ConnectTimeout   time.Duration
	TotalTimeout     time.Duration
	MaxRetries       int
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// DefaultPeerConfig returns the compiled-in per-peer configuration.
func DefaultPeerConfig() PeerConfig {
	d := Defaults().Peer
	return PeerConfig{
		MaxConnections:   d.MaxConnections,
		MaxKeepalive:     d.MaxKeepalive,
		ConnectTimeout:   d.ConnectTimeout,
		TotalTimeout:     d.TotalTimeout,
		MaxRetries:       d.MaxRetries,
		FailureThreshold: d.FailureThreshold,
		RecoveryTimeout:  d.RecoveryTimeout,
		HalfOpenMaxCalls: d.HalfOpenMaxCalls,
	}
}

// NewPeerConfigFromViper creates a PeerConfig from current viper settings.
func NewPeerConfigFromViper() PeerConfig {
	return PeerConfig{
		MaxConnections:   viper.GetInt("peer.max_connections"),
		MaxKeepalive:     viper.GetInt("peer.max_keepalive"),
		ConnectTimeout:   viper.GetDuration("peer.connect_timeout"),
		TotalTimeout:     viper.GetDuration("peer.total_timeout"),
		MaxRetries:       viper.GetInt("peer.max_retries"),
		FailureThreshold: viper.GetInt("peer.failure_threshold"),
		RecoveryTimeout:  viper.GetDuration("peer.recovery_timeout"),
		HalfOpenMaxCalls: viper.GetInt("peer.half_open_max_calls"),
	}
}

// HandshakeConfig is the inbound handshake flood protection configuration.
type HandshakeConfig struct {
	// sustained handshakes per second accepted from one peer
	RateLimit float64
	// burst allowance per peer
	RateBurst int
}

// DefaultHandshakeConfig returns the compiled-in handshake configuration.
func DefaultHandshakeConfig() HandshakeConfig {
	d := Defaults().Handshake
	return HandshakeConfig{
		RateLimit: d.RateLimit,
		RateBurst: d.RateBurst,
	}
}

// NewHandshakeConfigFromViper creates a HandshakeConfig from current viper settings.
func NewHandshakeConfigFromViper() HandshakeConfig {
	return HandshakeConfig{
		RateLimit: viper.GetFloat64("handshake.rate_limit"),
		RateBurst: viper.GetInt("handshake.rate_burst"),
	}
}
