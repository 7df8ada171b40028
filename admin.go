package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/die-net/tabssh/internal/hostkey"
	"github.com/die-net/tabssh/internal/profile"
	internalssh "github.com/die-net/tabssh/internal/ssh"
)

// knownHostsTable is the persisted host key table.
type knownHostsTable interface {
	List(ctx context.Context) ([]hostkey.Entry, error)
	Delete(ctx context.Context, host string, port int, algorithm string) error
}

// secretTable is the writable side of the credential store.
type secretTable interface {
	Put(ctx context.Context, service, account string, secret []byte) error
	Delete(ctx context.Context, service, account string) error
}

func listHostKeys(ctx context.Context, w io.Writer, keys knownHostsTable) error {
	entries, err := keys.List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s:%d\t%s\t%s\t%s\n", e.Host, e.Port, e.Algorithm, e.Fingerprint,
			e.LastSeen.Format("2006-01-02"))
	}
	return nil
}

// forgetHost deletes every stored key for a host[:port] target and returns
// how many were removed.
func forgetHost(ctx context.Context, keys knownHostsTable, target string) (int, error) {
	p, err := profile.ParseTarget(target)
	if err != nil {
		return 0, err
	}
	p = p.WithDefaults()

	entries, err := keys.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.Host != p.Host || e.Port != p.Port {
			continue
		}
		if err := keys.Delete(ctx, e.Host, e.Port, e.Algorithm); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// parseSecretRef parses service/account.
func parseSecretRef(s string) (profile.SecretRef, error) {
	service, account, ok := strings.Cut(s, "/")
	if !ok || service == "" || account == "" {
		return profile.SecretRef{}, fmt.Errorf("secret %q: want service/account", s)
	}
	return profile.SecretRef{Service: service, Account: account}, nil
}

func storeSecret(ctx context.Context, secrets secretTable, ref, secret string) error {
	r, err := parseSecretRef(ref)
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("no secret given")
	}
	return secrets.Put(ctx, r.Service, r.Account, []byte(secret))
}

func deleteSecret(ctx context.Context, secrets secretTable, ref string) error {
	r, err := parseSecretRef(ref)
	if err != nil {
		return err
	}
	return secrets.Delete(ctx, r.Service, r.Account)
}

// hostKeyMismatch returns the mismatch behind a failed session, if any.
func hostKeyMismatch(err error) (*internalssh.HostKeyMismatchError, bool) {
	var mm *internalssh.HostKeyMismatchError
	return mm, errors.As(err, &mm)
}

// replaceHostKey trusts the key a host presented in place of the stored one.
func replaceHostKey(ctx context.Context, keys *hostkey.Store, mm *internalssh.HostKeyMismatchError) error {
	return keys.Replace(ctx, mm.Host, mm.Port, mm.Algorithm, mm.Got)
}
