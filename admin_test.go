package main

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/tabssh/internal/hostkey"
	"github.com/die-net/tabssh/internal/logger"
	"github.com/die-net/tabssh/internal/profile"
	"github.com/die-net/tabssh/internal/session"
	internalssh "github.com/die-net/tabssh/internal/ssh"
	"github.com/die-net/tabssh/internal/store"
)

func openDB(t *testing.T) *store.DB {
	t.Helper()

	db, err := store.Open(store.MemoryPath, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestHostKeyAdmin(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	keys := openDB(t).HostKeys()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, e := range []hostkey.Entry{
		{Host: "a.example.com", Port: 22, Algorithm: "ssh-ed25519", Fingerprint: "SHA256:aaa"},
		{Host: "a.example.com", Port: 22, Algorithm: "ssh-rsa", Fingerprint: "SHA256:bbb"},
		{Host: "a.example.com", Port: 2222, Algorithm: "ssh-ed25519", Fingerprint: "SHA256:ccc"},
	} {
		e.FirstSeen, e.LastSeen = now, now
		require.NoError(t, keys.Put(ctx, e))
	}

	var b strings.Builder
	require.NoError(t, listHostKeys(ctx, &b, keys))
	assert.Equal(t, []string{
		"a.example.com:22\tssh-ed25519\tSHA256:aaa\t2026-03-01",
		"a.example.com:22\tssh-rsa\tSHA256:bbb\t2026-03-01",
		"a.example.com:2222\tssh-ed25519\tSHA256:ccc\t2026-03-01",
	}, strings.Split(strings.TrimSpace(b.String()), "\n"))

	n, err := forgetHost(ctx, keys, "a.example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := keys.List(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, 2222, left[0].Port)

	n, err = forgetHost(ctx, keys, "nobody@b.example.com:22")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = forgetHost(ctx, keys, "")
	require.ErrorIs(t, err, profile.ErrInvalid)
}

func TestSecretAdmin(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	key, err := store.GenerateKey()
	require.NoError(t, err)
	secrets, err := openDB(t).Secrets(key)
	require.NoError(t, err)

	require.NoError(t, storeSecret(ctx, secrets, "prod/alice", "hunter2"))
	got, err := secrets.Get(ctx, "prod", "alice")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(got))

	require.Error(t, storeSecret(ctx, secrets, "prod/alice", ""))

	require.NoError(t, deleteSecret(ctx, secrets, "prod/alice"))
	_, err = secrets.Get(ctx, "prod", "alice")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, deleteSecret(ctx, secrets, "prod/alice"), store.ErrNotFound)

	for _, bad := range []string{"prod", "/alice", "prod/", ""} {
		_, err := parseSecretRef(bad)
		require.Error(t, err, bad)
	}
	ref, err := parseSecretRef("vault/ops/admin")
	require.NoError(t, err)
	assert.Equal(t, profile.SecretRef{Service: "vault", Account: "ops/admin"}, ref)
}

func waitState(t *testing.T, s *session.Session, want session.State) session.StateChanged {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "events closed waiting for %s", want)
			if sc, ok := ev.(session.StateChanged); ok && sc.State == want {
				return sc
			}
		case <-timeout:
			require.FailNow(t, "timed out waiting for "+want.String())
		}
	}
}

func TestReplaceHostKeyThenReconnect(t *testing.T) {
	t.Parallel()

	hostSigner, err := internalssh.GenerateHostKey()
	require.NoError(t, err)
	srv, err := internalssh.NewServer("127.0.0.1:0", internalssh.ServerConfig{
		HostKeys:         []ssh.Signer{hostSigner},
		PasswordCallback: internalssh.SimplePasswordAuth("alice", "secret"),
	})
	require.NoError(t, err)
	srvCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(srvCtx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})
	port := srv.Addr().(*net.TCPAddr).Port

	ctx := t.Context()
	keys := hostkey.NewStore(openDB(t).HostKeys(), logger.Nop())
	algorithm := hostSigner.PublicKey().Type()
	require.NoError(t, keys.Record(ctx, "127.0.0.1", port, algorithm, "SHA256:stale"))

	mgr, err := session.NewManager(session.Options{
		HostKeys: keys,
		Home:     t.TempDir(),
		Agent: func() ([]ssh.Signer, io.Closer, error) {
			return nil, nil, errors.New("no agent")
		},
		HandshakeTimeout: 5 * time.Second,
		ForwardGrace:     -1,
		Log:              logger.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	s, err := mgr.Create()
	require.NoError(t, err)

	p := profile.Profile{
		Name:     "changed",
		Host:     "127.0.0.1",
		Port:     port,
		Username: "alice",
		NoShell:  true,
		Auth:     []profile.AuthMethod{{Method: internalssh.MethodPassword, Password: "secret"}},
	}
	require.NoError(t, s.Send(ctx, session.Connect{Profile: p}))
	failed := waitState(t, s, session.Failed)
	require.NotNil(t, failed.Err)

	mm, ok := hostKeyMismatch(failed.Err)
	require.True(t, ok)
	fp := ssh.FingerprintSHA256(hostSigner.PublicKey())
	assert.Equal(t, "SHA256:stale", mm.Want)
	assert.Equal(t, fp, mm.Got)

	require.NoError(t, replaceHostKey(ctx, keys, mm))
	assert.Equal(t, hostkey.Trusted, keys.Verify(ctx, "127.0.0.1", port, algorithm, fp))

	require.NoError(t, s.Send(ctx, session.Connect{Profile: p}))
	waitState(t, s, session.ForwardingOnly)

	_, ok = hostKeyMismatch(errors.New("refused"))
	assert.False(t, ok)
}
