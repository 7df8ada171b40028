package config

import "errors"

var (
	ErrInvalidLogLevel  = errors.New("invalid log level")
	ErrInvalidLogFormat = errors.New("invalid log format")
	ErrEmptyDataDir     = errors.New("data dir must be set")
	ErrInvalidTimeout   = errors.New("timeout must be positive")
	ErrInvalidKeepAlive = errors.New("invalid tcp keepalive")
	ErrNegativeSize     = errors.New("scrollback must not be negative")
	ErrConfigFile       = errors.New("config file")
)
