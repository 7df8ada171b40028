package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// Method is one of the supported authentication method kinds.
type Method int

const (
	MethodPassword Method = iota + 1
	MethodPublicKey
	MethodKeyboardInteractive
	MethodAgent
)

var methodNames = map[Method]string{
	MethodPassword:            "password",
	MethodPublicKey:           "publickey",
	MethodKeyboardInteractive: "keyboard-interactive",
	MethodAgent:               "agent",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	s, ok := methodNames[m]
	if !ok {
		return nil, fmt.Errorf("unknown auth method %d", int(m))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for k, v := range methodNames {
		if v == name {
			*m = k
			return nil
		}
	}
	return fmt.Errorf("unknown auth method %q", string(b))
}

// wireName is the SSH userauth method name the credential is sent as.
func (m Method) wireName() string {
	switch m {
	case MethodPassword:
		return "password"
	case MethodPublicKey, MethodAgent:
		return "publickey"
	case MethodKeyboardInteractive:
		return "keyboard-interactive"
	default:
		return ""
	}
}

// Credential describes one authentication attempt.
type Credential struct {
	Method Method

	// Password is sent for MethodPassword. For MethodKeyboardInteractive it
	// answers a single hidden question. An empty password for MethodPassword
	// is requested from the user.
	Password string

	// KeyPath is the private key file for MethodPublicKey.
	KeyPath string

	// Signer is used for MethodPublicKey instead of KeyPath when set.
	Signer ssh.Signer

	// Passphrase decrypts KeyPath. When the key is encrypted and Passphrase
	// is empty, it is requested from the user.
	Passphrase string

	// Unavailable, when set, records why the credential cannot be used,
	// such as a missing stored secret. It is never offered.
	Unavailable error
}

func (c Credential) String() string {
	switch c.Method {
	case MethodPublicKey:
		if c.KeyPath != "" {
			return fmt.Sprintf("publickey(%s)", c.KeyPath)
		}
		return "publickey"
	default:
		return c.Method.String()
	}
}

// AgentAvailable reports whether an SSH agent socket is configured.
func AgentAvailable() bool {
	return os.Getenv("SSH_AUTH_SOCK") != ""
}

// AgentSigners connects to the SSH agent and returns its signers. The
// returned closer releases the agent connection and must be closed once the
// signers are no longer needed.
func AgentSigners() ([]ssh.Signer, io.Closer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, nil, errors.New("SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}

	signers, err := agent.NewClient(conn).Signers()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("getting signers from SSH agent: %w", err)
	}
	if len(signers) == 0 {
		_ = conn.Close()
		return nil, nil, errors.New("no keys available in SSH agent")
	}

	return signers, conn, nil
}

// LoadPrivateKey reads and parses an OpenSSH private key file, decrypting it
// with passphrase if it is encrypted. An encrypted key without a passphrase
// returns an error wrapping *ssh.PassphraseMissingError.
func LoadPrivateKey(path, passphrase string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}

	return signer, nil
}

// DefaultKeyPaths returns the default identity files under home/.ssh that
// exist, in the order OpenSSH clients usually try them.
func DefaultKeyPaths(home string) []string {
	var paths []string
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa", "id_dsa"} {
		p := filepath.Join(home, ".ssh", name)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			paths = append(paths, p)
		}
	}
	return paths
}

// DefaultCredentials returns agent (when available) and default key file
// credentials, used when a profile names no auth methods.
func DefaultCredentials(home string) []Credential {
	var creds []Credential
	if AgentAvailable() {
		creds = append(creds, Credential{Method: MethodAgent})
	}
	for _, p := range DefaultKeyPaths(home) {
		creds = append(creds, Credential{Method: MethodPublicKey, KeyPath: p})
	}
	return append(creds, Credential{Method: MethodPassword})
}
