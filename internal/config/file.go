package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// parseFile reads the YAML layer. A missing file is only an error when
// required is set.
func parseFile(path string, required bool) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from flags or env.
	if errors.Is(err, os.ErrNotExist) && !required {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigFile, err)
	}

	cfg := new(Config)
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w %s: %w", ErrConfigFile, path, err)
	}
	return cfg, nil
}
