// Package profile describes the connections tabssh can make: target host,
// authentication chain, jump hosts, proxy and forwards.
package profile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/die-net/tabssh/internal/forward"
	"github.com/die-net/tabssh/internal/ssh"
)

// Defaults applied by WithDefaults.
const (
	DefaultPort = 22
	DefaultTerm = "xterm-256color"
	DefaultCols = 80
	DefaultRows = 24
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid profile")

// Profile is one connection target. It is not modified once a session has
// been created from it.
type Profile struct {
	Name     string       `yaml:"name"`
	Host     string       `yaml:"host"`
	Port     int          `yaml:"port,omitempty"`
	Username string       `yaml:"user"`
	Auth     []AuthMethod `yaml:"auth,omitempty"`

	// Jump hosts are connected in order; each is reached through the
	// previous one. An entry with only a name refers to another profile in
	// the same file.
	Jump []Profile `yaml:"jump,omitempty"`
	// Proxy is the URL of a SOCKS5 or HTTP CONNECT proxy used to reach the
	// first hop.
	Proxy string `yaml:"proxy,omitempty"`

	Forwards []ForwardEntry `yaml:"forwards,omitempty"`

	// NoShell connects for forwarding only.
	NoShell bool   `yaml:"no_shell,omitempty"`
	Term    string `yaml:"term,omitempty"`
	Cols    int    `yaml:"cols,omitempty"`
	Rows    int    `yaml:"rows,omitempty"`

	// KeepAlive overrides the configured keepalive interval. Negative
	// disables keepalives for this profile.
	KeepAlive time.Duration `yaml:"keepalive,omitempty"`
}

// AuthMethod is one entry of a profile's authentication chain.
type AuthMethod struct {
	Method ssh.Method `yaml:"method"`

	// Password for password and keyboard-interactive. SecretRef takes its
	// value from the credential store instead.
	Password  string     `yaml:"password,omitempty"`
	SecretRef *SecretRef `yaml:"secret,omitempty"`

	// KeyPath and Passphrase for publickey. PassphraseRef takes the
	// passphrase from the credential store.
	KeyPath       string     `yaml:"key,omitempty"`
	Passphrase    string     `yaml:"passphrase,omitempty"`
	PassphraseRef *SecretRef `yaml:"passphrase_secret,omitempty"`
}

// SecretRef names a secret in the credential store.
type SecretRef struct {
	Service string `yaml:"service"`
	Account string `yaml:"account"`
}

// ForwardEntry is a forward in OpenSSH syntax.
type ForwardEntry struct {
	Kind forward.Kind `yaml:"kind"`
	Spec string       `yaml:"spec"`
}

// SecretGetter reads the credential store.
type SecretGetter interface {
	Get(ctx context.Context, service, account string) ([]byte, error)
}

// WithDefaults returns p with unset fields defaulted, including its jump
// hosts.
func (p Profile) WithDefaults() Profile {
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Term == "" {
		p.Term = DefaultTerm
	}
	if p.Cols == 0 {
		p.Cols = DefaultCols
	}
	if p.Rows == 0 {
		p.Rows = DefaultRows
	}
	if p.Name == "" {
		p.Name = p.Addr()
	}
	if len(p.Jump) > 0 {
		jump := make([]Profile, len(p.Jump))
		for i, j := range p.Jump {
			jump[i] = j.WithDefaults()
		}
		p.Jump = jump
	}
	return p
}

// Validate reports the first problem with p.
func (p Profile) Validate() error {
	if p.Host == "" {
		return fmt.Errorf("%w %q: missing host", ErrInvalid, p.Name)
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w %q: port %d out of range", ErrInvalid, p.Name, p.Port)
	}
	if p.Username == "" {
		return fmt.Errorf("%w %q: missing user", ErrInvalid, p.Name)
	}
	if p.Cols < 1 || p.Rows < 1 {
		return fmt.Errorf("%w %q: bad terminal size %dx%d", ErrInvalid, p.Name, p.Cols, p.Rows)
	}
	for i, a := range p.Auth {
		if err := a.validate(); err != nil {
			return fmt.Errorf("%w %q: auth[%d]: %w", ErrInvalid, p.Name, i, err)
		}
	}
	if _, err := p.ForwardSpecs(); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalid, p.Name, err)
	}
	for _, j := range p.Jump {
		if len(j.Forwards) > 0 {
			return fmt.Errorf("%w %q: jump host %q has forwards", ErrInvalid, p.Name, j.Name)
		}
		if err := j.Validate(); err != nil {
			return fmt.Errorf("jump host: %w", err)
		}
	}
	return nil
}

func (a AuthMethod) validate() error {
	switch a.Method {
	case ssh.MethodPassword, ssh.MethodKeyboardInteractive, ssh.MethodAgent:
	case ssh.MethodPublicKey:
		if a.KeyPath == "" {
			return errors.New("publickey needs a key path")
		}
	default:
		return fmt.Errorf("unknown method %s", a.Method)
	}
	for _, r := range []*SecretRef{a.SecretRef, a.PassphraseRef} {
		if r != nil && (r.Service == "" || r.Account == "") {
			return errors.New("secret reference needs service and account")
		}
	}
	return nil
}

// Addr returns host:port.
func (p Profile) Addr() string {
	port := p.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(port))
}

// ForwardSpecs parses the profile's forwards.
func (p Profile) ForwardSpecs() ([]forward.Spec, error) {
	specs := make([]forward.Spec, 0, len(p.Forwards))
	for _, f := range p.Forwards {
		s, err := forward.ParseSpec(f.Kind, f.Spec)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// Credentials resolves the auth chain. Secrets are read from secrets, which
// may be nil. A secret that is missing or unreadable makes its credential
// unavailable rather than failing the whole chain. An empty chain yields
// the agent, the default key files under home and a password prompt.
func (p Profile) Credentials(ctx context.Context, secrets SecretGetter, home string) []ssh.Credential {
	if len(p.Auth) == 0 {
		return ssh.DefaultCredentials(home)
	}

	creds := make([]ssh.Credential, 0, len(p.Auth))
	for _, a := range p.Auth {
		c := ssh.Credential{
			Method:     a.Method,
			Password:   a.Password,
			KeyPath:    expandHome(a.KeyPath, home),
			Passphrase: a.Passphrase,
		}
		if a.SecretRef != nil {
			v, err := lookup(ctx, secrets, *a.SecretRef)
			c.Password, c.Unavailable = v, err
		}
		if a.PassphraseRef != nil && c.Unavailable == nil {
			v, err := lookup(ctx, secrets, *a.PassphraseRef)
			c.Passphrase, c.Unavailable = v, err
		}
		creds = append(creds, c)
	}
	return creds
}

func lookup(ctx context.Context, secrets SecretGetter, ref SecretRef) (string, error) {
	if secrets == nil {
		return "", fmt.Errorf("secret %s/%s: no credential store", ref.Service, ref.Account)
	}
	b, err := secrets.Get(ctx, ref.Service, ref.Account)
	if err != nil {
		return "", fmt.Errorf("secret %s/%s: %w", ref.Service, ref.Account, err)
	}
	return string(b), nil
}

func expandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return home + "/" + rest
	}
	return path
}

// ParseTarget parses [user@]host[:port]. IPv6 hosts with a port are written
// in brackets.
func ParseTarget(s string) (Profile, error) {
	var p Profile
	if i := strings.LastIndex(s, "@"); i >= 0 {
		p.Username, s = s[:i], s[i+1:]
	}
	if s == "" {
		return Profile{}, fmt.Errorf("%w: missing host in target", ErrInvalid)
	}

	host, portStr, err := net.SplitHostPort(s)
	switch {
	case err == nil:
		port, perr := strconv.ParseUint(portStr, 10, 16)
		if perr != nil || port == 0 {
			return Profile{}, fmt.Errorf("%w: bad port %q", ErrInvalid, portStr)
		}
		p.Host, p.Port = host, int(port)
	case strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"):
		p.Host = s[1 : len(s)-1]
	default:
		p.Host = s
	}
	if p.Host == "" {
		return Profile{}, fmt.Errorf("%w: missing host in target", ErrInvalid)
	}
	return p, nil
}
