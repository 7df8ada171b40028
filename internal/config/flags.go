package config

import (
	"github.com/spf13/pflag"
)

// RegisterFlags adds the configuration flags to fs and returns the Config
// they are parsed into. Flags default to zero so that only values given on
// the command line override lower layers; help text shows the built-in
// default instead. Pass fs to Load as Options.FlagSet so that an explicit
// --scrollback 0 or --keepalive 0 is kept.
func RegisterFlags(fs *pflag.FlagSet) *Config {
	cfg := new(Config)
	def := Default()

	fs.StringVar(&cfg.ConfigFile, "config", "", "YAML config file (default "+defaultConfigFile()+")")
	fs.StringVar(&cfg.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default "+def.LogLevel+")")
	fs.StringVar(&cfg.LogFormat, "log-format", "", "Log format: console or json (default "+def.LogFormat+")")
	fs.StringVar(&cfg.DataDir, "data-dir", "", "Directory for the database, profiles and secret key (default "+def.DataDir+")")
	fs.StringVar(&cfg.KnownHosts, "known-hosts", "", "OpenSSH known_hosts file to import trusted keys from (default "+def.KnownHosts+")")
	fs.StringVar(&cfg.Profiles, "profiles", "", "Profiles file (default <data-dir>/profiles.yaml)")
	fs.StringVar(&cfg.SecretKey, "secret-key", "", "Base64 key for stored secrets (default read from <data-dir>/secret.key)")
	fs.StringVar(&cfg.Proxy, "proxy", "", "Proxy for the first hop: socks5://, http://, https:// or direct:// (default $ALL_PROXY)")
	fs.IntVar(&cfg.Scrollback, "scrollback", 0, "Scrollback lines kept per session; 0 keeps none (default 10000)")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", 0, "TCP connect timeout (default "+def.DialTimeout.String()+")")
	fs.DurationVar(&cfg.NegotiationTimeout, "negotiation-timeout", 0, "Proxy negotiation timeout (default "+def.NegotiationTimeout.String()+")")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", 0, "SSH handshake and authentication timeout (default "+def.HandshakeTimeout.String()+")")
	fs.DurationVar(&cfg.KeepAliveInterval, "keepalive", 0, "SSH keepalive interval; 0 disables (default "+def.KeepAliveInterval.String()+")")
	fs.DurationVar(&cfg.ForwardGrace, "forward-grace", 0, "Time removed forwards may drain; negative closes at once (default "+def.ForwardGrace.String()+")")
	fs.StringVar(&cfg.TCPKeepAlive, "tcp-keepalive", "", "TCP keepalive: on, off or idle:interval:count seconds (default "+def.TCPKeepAlive+")")

	return cfg
}
