package config

import (
	"errors"
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/spf13/pflag"
)

type configBuilder struct {
	configs []*Config
	err     error
}

func newConfigBuilder() *configBuilder {
	return &configBuilder{
		configs: make([]*Config, 0, 4),
	}
}

func (b *configBuilder) build() (*Config, error) {
	if b.err != nil {
		return nil, fmt.Errorf("error occurred during building config: %w", b.err)
	}

	config := new(Config)
	for _, cfg := range b.configs {
		if err := mergo.Merge(config, cfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("error merging configs: %w", err)
		}
	}
	return config, nil
}

func (b *configBuilder) with(cfg *Config) *configBuilder {
	if cfg != nil {
		b.configs = append(b.configs, cfg)
	}
	return b
}

func (b *configBuilder) withFile(path string, required bool) *configBuilder {
	cfg, err := parseFile(path, required)
	if err != nil {
		b.err = errors.Join(b.err, err)
		return b
	}
	return b.with(cfg)
}

// Options tune Load.
type Options struct {
	// Flags holds values parsed by the FlagSet passed to RegisterFlags.
	// Nil skips the flag layer.
	Flags *Config
	// FlagSet is the set Flags was registered on. When given, flags set
	// explicitly to zero override lower layers.
	FlagSet *pflag.FlagSet
	// Environ replaces the process environment when non-nil.
	Environ map[string]string
}

// Load merges defaults, the config file, the environment and flags, then
// validates the result. The config file named by --config or
// TABSSH_CONFIG must exist; the default one is optional.
func Load(opts Options) (*Config, error) {
	getenv := os.Getenv
	if opts.Environ != nil {
		getenv = func(k string) string { return opts.Environ[k] }
	}

	envCfg := new(Config)
	if err := parseEnv(envCfg, opts.Environ); err != nil {
		return nil, err
	}

	path, required := defaultConfigFile(), false
	if envCfg.ConfigFile != "" {
		path, required = envCfg.ConfigFile, true
	}
	if opts.Flags != nil && opts.Flags.ConfigFile != "" {
		path, required = opts.Flags.ConfigFile, true
	}

	cfg, err := newConfigBuilder().
		with(Default()).
		withFile(path, required).
		with(envCfg).
		with(opts.Flags).
		build()
	if err != nil {
		return nil, err
	}
	cfg.ConfigFile = path
	cfg.applyZeroFlags(opts.Flags, opts.FlagSet)
	cfg.fillDerived(getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyZeroFlags copies flags given as zero, which the merge skips.
func (c *Config) applyZeroFlags(flags *Config, fs *pflag.FlagSet) {
	if flags == nil || fs == nil {
		return
	}
	if fs.Changed("scrollback") && flags.Scrollback == 0 {
		c.Scrollback = 0
	}
	if fs.Changed("keepalive") && flags.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 0
	}
}
