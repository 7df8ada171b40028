package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by the env layer.
const EnvPrefix = "TABSSH_"

// parseEnv populates cfg from the environment using the `env` tags on
// Config. A nil environ reads the process environment.
func parseEnv(cfg *Config, environ map[string]string) error {
	err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	})
	if err != nil {
		return fmt.Errorf("error getting env configs: %w", err)
	}
	return nil
}
