/*
Package config loads and validates FlowGate configuration.

Configuration resolves with the precedence defaults, then a YAML file,
then FLOWGATE_* environment variables:

	cfg, err := config.NewLoader().
	    WithConfigPath("flowgate.yaml").
	    Load()

The package also converts its sections into the component-specific config
types (engine, resource pools, failure handler, redis context store) and
builds the zap logger described by the log section.
*/
package config
