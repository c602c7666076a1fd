package config

import "github.com/spf13/viper"

// NodeConfig is the top-level node runtime configuration.
type NodeConfig struct {
	WorkingDir string
	EntityID   string
}

// DefaultNodeConfig returns the compiled-in node configuration.
func DefaultNodeConfig() NodeConfig {
	d := Defaults().Node
	return NodeConfig{
		WorkingDir: d.WorkingDir,
		EntityID:   d.EntityID,
	}
}

// NewNodeConfigFromViper creates a NodeConfig from current viper settings.
func NewNodeConfigFromViper() NodeConfig {
	return NodeConfig{
		WorkingDir: viper.GetString("node.working_dir"),
		EntityID:   viper.GetString("node.entity_id"),
	}
}
