package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/die-net/tabssh/internal/hostkey"
	"github.com/die-net/tabssh/internal/logger"
)

// ErrHostKeyRejected is returned when the user declines an unknown host key.
var ErrHostKeyRejected = errors.New("ssh: host key not accepted")

// HostKeyMismatchError reports a host key that differs from the trusted one
// for the same host, port and algorithm.
type HostKeyMismatchError struct {
	Host      string
	Port      int
	Algorithm string
	Want      string
	Got       string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s (possible MITM attack): %s key is %s, expected %s",
		net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Algorithm, e.Got, e.Want)
}

// HostKeyPrompt describes an unknown host key awaiting a user decision.
type HostKeyPrompt struct {
	Host        string
	Port        int
	Algorithm   string
	Fingerprint string
}

// DecideFunc returns whether the user trusts an unknown host key. It may
// block until the user answers or ctx ends.
type DecideFunc func(ctx context.Context, p HostKeyPrompt) (bool, error)

// HostKeyVerifier checks server host keys against a hostkey.Store.
type HostKeyVerifier struct {
	store      *hostkey.Store
	knownHosts ssh.HostKeyCallback
	decide     DecideFunc
	log        *logger.Logger
}

// NewHostKeyVerifier returns a verifier over store. If knownHostsPath names
// an existing OpenSSH known_hosts file it is consulted read-only for keys the
// store does not know. decide handles unknown keys; nil rejects them.
func NewHostKeyVerifier(store *hostkey.Store, knownHostsPath string, decide DecideFunc, log *logger.Logger) (*HostKeyVerifier, error) {
	v := &HostKeyVerifier{
		store:  store,
		decide: decide,
		log:    log.Component("hostkey"),
	}

	if knownHostsPath != "" {
		if _, err := os.Stat(knownHostsPath); err == nil {
			cb, err := knownhosts.New(knownHostsPath)
			if err != nil {
				return nil, fmt.Errorf("loading known_hosts: %w", err)
			}
			v.knownHosts = cb
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
	}

	return v, nil
}

// Callback returns an ssh.HostKeyCallback. ctx bounds the user decision.
func (v *HostKeyVerifier) Callback(ctx context.Context) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, port, err := splitHostPort(hostname)
		if err != nil {
			return err
		}
		algorithm := key.Type()
		fp := ssh.FingerprintSHA256(key)

		switch v.store.Verify(ctx, host, port, algorithm, fp) {
		case hostkey.Trusted:
			return nil
		case hostkey.Mismatch:
			want := ""
			if e, err := v.store.Lookup(ctx, host, port, algorithm); err == nil {
				want = e.Fingerprint
			}
			return &HostKeyMismatchError{Host: host, Port: port, Algorithm: algorithm, Want: want, Got: fp}
		}

		if v.knownHosts != nil {
			err := v.knownHosts(hostname, remote, key)
			if err == nil {
				v.log.Info().Str("host", host).Int("port", port).Msg("host key found in known_hosts")
				return v.record(ctx, host, port, algorithm, fp)
			}
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) {
				for _, k := range keyErr.Want {
					if k.Key.Type() == algorithm {
						return &HostKeyMismatchError{
							Host: host, Port: port, Algorithm: algorithm,
							Want: ssh.FingerprintSHA256(k.Key), Got: fp,
						}
					}
				}
			}
		}

		if v.decide == nil {
			return ErrHostKeyRejected
		}
		ok, err := v.decide(ctx, HostKeyPrompt{Host: host, Port: port, Algorithm: algorithm, Fingerprint: fp})
		if err != nil {
			return fmt.Errorf("host key decision: %w", err)
		}
		if !ok {
			return ErrHostKeyRejected
		}
		return v.record(ctx, host, port, algorithm, fp)
	}
}

func (v *HostKeyVerifier) record(ctx context.Context, host string, port int, algorithm, fp string) error {
	if err := v.store.Record(ctx, host, port, algorithm, fp); err != nil {
		if errors.Is(err, hostkey.ErrEntryExists) {
			return &HostKeyMismatchError{Host: host, Port: port, Algorithm: algorithm, Got: fp}
		}
		// The user accepted the key; failing to persist it only means
		// they will be asked again next time.
		v.log.Warn().Err(err).Str("host", host).Msg("could not persist accepted host key")
	}
	return nil
}

func splitHostPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, fmt.Errorf("host key address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("host key address %q: bad port", hostport)
	}
	return host, port, nil
}
