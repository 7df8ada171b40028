// Package config assembles tabssh's runtime configuration from four layers,
// lowest priority first: built-in defaults, a YAML file, TABSSH_-prefixed
// environment variables and command-line flags.
//
// Layers are merged with mergo, so a zero value in a higher layer never
// overrides a lower one. The merged result is validated before use.
package config
