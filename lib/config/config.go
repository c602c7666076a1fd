package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/agentwire/agentwire/lib/util"
	"github.com/agentwire/agentwire/lib/util/logger"
)

var (
	CfgFile string
	log     = logger.GetAgentwireLogger()
)

const AGENTWIRE_BASE_DIR = ".agentwire"

func InitConfig() {
	if CfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(CfgFile)
	} else {
		// Set up viper to use the default config path $HOME/.agentwire/
		viper.AddConfigPath(BuildAgentwireDirPath())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// Load defaults
	setDefaults()

	// handle config file creating it if needed
	handleConfigFile()
}

func setDefaults() {
	defaults := Defaults()

	// Session defaults
	viper.SetDefault("session.timeout_seconds", defaults.Session.TimeoutSeconds)
	viper.SetDefault("session.max_sequence_gap", defaults.Session.MaxSequenceGap)
	viper.SetDefault("session.max_sequence", defaults.Session.MaxSequence)
	viper.SetDefault("session.sweep_interval", defaults.Session.SweepInterval)

	// Per-peer transport defaults
	viper.SetDefault("peer.max_connections", defaults.Peer.MaxConnections)
	viper.SetDefault("peer.max_keepalive", defaults.Peer.MaxKeepalive)
	viper.SetDefault("peer.connect_timeout", defaults.Peer.ConnectTimeout)
	viper.SetDefault("peer.total_timeout", defaults.Peer.TotalTimeout)
	viper.SetDefault("peer.max_retries", defaults.Peer.MaxRetries)
	viper.SetDefault("peer.failure_threshold", defaults.Peer.FailureThreshold)
	viper.SetDefault("peer.recovery_timeout", defaults.Peer.RecoveryTimeout)
	viper.SetDefault("peer.half_open_max_calls", defaults.Peer.HalfOpenMaxCalls)

	// Handshake defaults
	viper.SetDefault("handshake.rate_limit", defaults.Handshake.RateLimit)
	viper.SetDefault("handshake.rate_burst", defaults.Handshake.RateBurst)

	// Node defaults
	viper.SetDefault("node.working_dir", defaults.Node.WorkingDir)
	viper.SetDefault("node.entity_id", defaults.Node.EntityID)
}

func createDefaultConfig(defaultConfigDir string) {
	defaultConfigFile := filepath.Join(defaultConfigDir, "config.yaml")
	// Ensure directory exists
	if err := os.MkdirAll(defaultConfigDir, 0o755); err != nil {
		log.Fatalf("Could not create config directory: %s", err)
	}

	// Write current config file
	if err := viper.WriteConfigAs(defaultConfigFile); err != nil {
		log.Fatalf("Could not write default config file: %s", err)
	}

	log.Debugf("Created default configuration at: %s", defaultConfigFile)
}

func handleConfigFile() {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			if CfgFile != "" {
				log.Fatalf("Config file %s does not exist", CfgFile)
			}
			createDefaultConfig(BuildAgentwireDirPath())
			return
		}
		log.Fatalf("Error reading config file: %s", err)
	}
	log.WithField("config_file", viper.ConfigFileUsed()).Debug("Using config file")
}

func BuildAgentwireDirPath() string {
	return filepath.Join(util.UserHome(), AGENTWIRE_BASE_DIR)
}
