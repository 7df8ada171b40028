package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/tabssh/internal/logger"
)

func (c *Config) validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("%w %q", ErrInvalidLogLevel, c.LogLevel)
	}
	switch c.LogFormat {
	case logger.FormatConsole, logger.FormatJSON:
	default:
		return fmt.Errorf("%w %q", ErrInvalidLogFormat, c.LogFormat)
	}
	if c.DataDir == "" {
		return ErrEmptyDataDir
	}
	if c.Scrollback < 0 {
		return ErrNegativeSize
	}

	timeouts := []struct {
		name string
		d    time.Duration
	}{
		{"dial_timeout", c.DialTimeout},
		{"negotiation_timeout", c.NegotiationTimeout},
		{"handshake_timeout", c.HandshakeTimeout},
	}
	for _, t := range timeouts {
		if t.d <= 0 {
			return fmt.Errorf("%s: %w", t.name, ErrInvalidTimeout)
		}
	}

	if c.KeepAliveInterval < 0 {
		return fmt.Errorf("keepalive_interval: %w", ErrInvalidTimeout)
	}

	if _, err := ParseTCPKeepAlive(c.TCPKeepAlive); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidKeepAlive, c.TCPKeepAlive, err)
	}
	return nil
}
