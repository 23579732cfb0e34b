// Package config loads the rebalancer YAML configuration, applies defaults
// and validates it. Command line flags override file values in cmd.
package config
