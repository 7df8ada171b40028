package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/tabssh/internal/forward"
	"github.com/die-net/tabssh/internal/ssh"
)

const profilesYAML = `
profiles:
  - name: bastion
    host: bastion.example.com
    user: ops
    auth:
      - method: agent
  - name: inner
    host: inner.example.com
    user: ops
    jump:
      - name: bastion
  - name: db
    host: 10.0.0.5
    port: 2222
    user: alice
    proxy: socks5://127.0.0.1:9050
    keepalive: 15s
    auth:
      - method: publickey
        key: ~/.ssh/id_ed25519
      - method: password
        secret:
          service: ssh
          account: alice@db
    jump:
      - name: inner
    forwards:
      - kind: local
        spec: 5432:localhost:5432
      - kind: dynamic
        spec: "1080"
`

func TestParse(t *testing.T) {
	t.Parallel()

	f, err := Parse([]byte(profilesYAML))
	require.NoError(t, err)
	require.Len(t, f.Profiles, 3)

	db, err := f.Find("db")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:2222", db.Addr())
	assert.Equal(t, "socks5://127.0.0.1:9050", db.Proxy)
	assert.Equal(t, 15*time.Second, db.KeepAlive)
	assert.Equal(t, DefaultTerm, db.Term)

	require.Len(t, db.Auth, 2)
	assert.Equal(t, ssh.MethodPublicKey, db.Auth[0].Method)
	assert.Equal(t, &SecretRef{Service: "ssh", Account: "alice@db"}, db.Auth[1].SecretRef)

	// inner's own jump host is flattened ahead of it.
	require.Len(t, db.Jump, 2)
	assert.Equal(t, "bastion", db.Jump[0].Name)
	assert.Equal(t, "inner", db.Jump[1].Name)
	assert.Empty(t, db.Jump[1].Jump)
	assert.Equal(t, DefaultPort, db.Jump[0].Port)

	specs, err := db.ForwardSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, forward.Dynamic, specs[1].Kind)

	_, err = f.Find("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
	}{
		{name: "unknown key", yaml: "profiles:\n  - name: a\n    host: h\n    user: u\n    colour: red\n"},
		{name: "no name", yaml: "profiles:\n  - host: h\n    user: u\n"},
		{name: "duplicate", yaml: "profiles:\n  - {name: a, host: h, user: u}\n  - {name: a, host: h, user: u}\n"},
		{name: "unknown jump", yaml: "profiles:\n  - {name: a, host: h, user: u, jump: [{name: nope}]}\n"},
		{name: "cycle", yaml: "profiles:\n  - {name: a, host: h, user: u, jump: [{name: b}]}\n  - {name: b, host: h, user: u, jump: [{name: a}]}\n"},
		{name: "bad method", yaml: "profiles:\n  - {name: a, host: h, user: u, auth: [{method: telepathy}]}\n"},
		{name: "bad forward", yaml: "profiles:\n  - {name: a, host: h, user: u, forwards: [{kind: local, spec: '1'}]}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profilesYAML), 0o600))

	f, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, f.Profiles, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
