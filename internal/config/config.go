package config

import (
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/die-net/tabssh/internal/logger"
)

// Config is the merged runtime configuration.
type Config struct {
	// ConfigFile is the YAML file layer. It is only read from flags and
	// the environment.
	ConfigFile string `yaml:"-" env:"CONFIG"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// DataDir holds the database and, by default, the profiles file and
	// secret key.
	DataDir    string `yaml:"data_dir" env:"DATA_DIR"`
	KnownHosts string `yaml:"known_hosts" env:"KNOWN_HOSTS"`
	Profiles   string `yaml:"profiles" env:"PROFILES"`
	// SecretKey is the base64 fernet key for stored secrets. When empty
	// the key is kept in DataDir/secret.key.
	SecretKey string `yaml:"secret_key" env:"SECRET_KEY"`

	// Proxy is the default proxy URL for the first hop. It falls back to
	// ALL_PROXY.
	Proxy string `yaml:"proxy" env:"PROXY"`

	// Scrollback is the per-session scrollback limit. Zero keeps none.
	Scrollback         int           `yaml:"scrollback" env:"SCROLLBACK"`
	DialTimeout        time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" env:"NEGOTIATION_TIMEOUT"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`

	// KeepAliveInterval is the default SSH keepalive interval. Zero
	// disables keepalives for profiles that do not set their own.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`
	// ForwardGrace is how long a removed forward's relays may drain.
	// Negative closes them immediately.
	ForwardGrace time.Duration `yaml:"forward_grace" env:"FORWARD_GRACE"`
	// TCPKeepAlive is on, off or idle:interval:count in seconds.
	TCPKeepAlive string `yaml:"tcp_keepalive" env:"TCP_KEEPALIVE"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		LogLevel:           "info",
		LogFormat:          logger.FormatConsole,
		DataDir:            defaultDataDir(),
		KnownHosts:         defaultKnownHostsPath(),
		Scrollback:         10000,
		DialTimeout:        10 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		HandshakeTimeout:   30 * time.Second,
		KeepAliveInterval:  30 * time.Second,
		ForwardGrace:       2 * time.Second,
		TCPKeepAlive:       "45:45:3",
	}
}

// DatabasePath is the SQLite database inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "tabssh.db")
}

// SecretKeyPath is where a generated secret key is kept.
func (c *Config) SecretKeyPath() string {
	return filepath.Join(c.DataDir, "secret.key")
}

// TCPKeepAliveConfig parses TCPKeepAlive.
func (c *Config) TCPKeepAliveConfig() (net.KeepAliveConfig, error) {
	return ParseTCPKeepAlive(c.TCPKeepAlive)
}

// fillDerived sets values that depend on other layers.
func (c *Config) fillDerived(getenv func(string) string) {
	if c.Profiles == "" {
		c.Profiles = filepath.Join(c.DataDir, "profiles.yaml")
	}
	if c.Proxy == "" {
		c.Proxy = getenv("ALL_PROXY")
	}
	if c.Proxy == "" {
		c.Proxy = getenv("all_proxy")
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".tabssh"
	}
	return filepath.Join(dir, "tabssh")
}

func defaultConfigFile() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

func defaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}
