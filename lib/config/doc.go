// Package config loads and validates the agentwire runtime configuration.
//
// Configuration is layered: compiled-in defaults, then an optional YAML file
// under $HOME/.agentwire/, then explicit overrides set through viper. Typed
// snapshots are produced with the New...ConfigFromViper constructors rather
// than reading viper keys at call sites.
package config
