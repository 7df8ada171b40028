package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/tabssh/internal/forward"
	"github.com/die-net/tabssh/internal/ssh"
	"github.com/die-net/tabssh/internal/store"
)

func TestParseTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Profile
	}{
		{in: "host", want: Profile{Host: "host"}},
		{in: "alice@host", want: Profile{Username: "alice", Host: "host"}},
		{in: "alice@host:2222", want: Profile{Username: "alice", Host: "host", Port: 2222}},
		{in: "a@b@host", want: Profile{Username: "a@b", Host: "host"}},
		{in: "[::1]:22", want: Profile{Host: "::1", Port: 22}},
		{in: "[::1]", want: Profile{Host: "::1"}},
		{in: "bob@10.0.0.1", want: Profile{Username: "bob", Host: "10.0.0.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseTarget(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTargetErrors(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "alice@", "host:0", "host:65536", "host:ssh", ":22"} {
		t.Run(in, func(t *testing.T) {
			t.Parallel()

			_, err := ParseTarget(in)
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestWithDefaults(t *testing.T) {
	t.Parallel()

	p := Profile{Host: "example.com", Username: "alice", Jump: []Profile{{Host: "bastion", Username: "bob"}}}.WithDefaults()
	assert.Equal(t, "example.com:22", p.Name)
	assert.Equal(t, DefaultPort, p.Port)
	assert.Equal(t, DefaultTerm, p.Term)
	assert.Equal(t, DefaultCols, p.Cols)
	assert.Equal(t, DefaultRows, p.Rows)
	require.Len(t, p.Jump, 1)
	assert.Equal(t, DefaultPort, p.Jump[0].Port)
	require.NoError(t, p.Validate())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Profile{Host: "h", Username: "u"}.WithDefaults()
	tests := []struct {
		name   string
		modify func(*Profile)
	}{
		{name: "no host", modify: func(p *Profile) { p.Host = "" }},
		{name: "no user", modify: func(p *Profile) { p.Username = "" }},
		{name: "port", modify: func(p *Profile) { p.Port = 70000 }},
		{name: "size", modify: func(p *Profile) { p.Cols = 0 }},
		{name: "publickey without key", modify: func(p *Profile) {
			p.Auth = []AuthMethod{{Method: ssh.MethodPublicKey}}
		}},
		{name: "unknown method", modify: func(p *Profile) { p.Auth = []AuthMethod{{}} }},
		{name: "partial secret ref", modify: func(p *Profile) {
			p.Auth = []AuthMethod{{Method: ssh.MethodPassword, SecretRef: &SecretRef{Service: "s"}}}
		}},
		{name: "bad forward", modify: func(p *Profile) {
			p.Forwards = []ForwardEntry{{Kind: forward.Local, Spec: "8080"}}
		}},
		{name: "bad jump", modify: func(p *Profile) {
			p.Jump = []Profile{{Host: "j", Port: 22, Cols: 80, Rows: 24}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := valid
			tt.modify(&p)
			require.ErrorIs(t, p.Validate(), ErrInvalid)
		})
	}
}

type fakeSecrets map[string]string

func (f fakeSecrets) Get(_ context.Context, service, account string) ([]byte, error) {
	v, ok := f[service+"/"+account]
	if !ok {
		return nil, store.ErrNotFound
	}
	return []byte(v), nil
}

func TestCredentials(t *testing.T) {
	t.Parallel()

	p := Profile{Auth: []AuthMethod{
		{Method: ssh.MethodPublicKey, KeyPath: "~/.ssh/id_ed25519", PassphraseRef: &SecretRef{Service: "keys", Account: "id"}},
		{Method: ssh.MethodPassword, SecretRef: &SecretRef{Service: "ssh", Account: "missing"}},
		{Method: ssh.MethodPassword, SecretRef: &SecretRef{Service: "ssh", Account: "alice"}},
		{Method: ssh.MethodKeyboardInteractive, Password: "inline"},
	}}
	secrets := fakeSecrets{"ssh/alice": "hunter2", "keys/id": "phrase"}

	creds := p.Credentials(t.Context(), secrets, "/home/alice")
	require.Len(t, creds, 4)

	assert.Equal(t, "/home/alice/.ssh/id_ed25519", creds[0].KeyPath)
	assert.Equal(t, "phrase", creds[0].Passphrase)
	require.NoError(t, creds[0].Unavailable)

	require.ErrorIs(t, creds[1].Unavailable, store.ErrNotFound)
	assert.Empty(t, creds[1].Password)

	assert.Equal(t, "hunter2", creds[2].Password)
	require.NoError(t, creds[2].Unavailable)

	assert.Equal(t, "inline", creds[3].Password)
}

func TestCredentialsNoStore(t *testing.T) {
	t.Parallel()

	p := Profile{Auth: []AuthMethod{{Method: ssh.MethodPassword, SecretRef: &SecretRef{Service: "s", Account: "a"}}}}
	creds := p.Credentials(t.Context(), nil, "")
	require.Len(t, creds, 1)
	require.Error(t, creds[0].Unavailable)
}

func TestCredentialsDefault(t *testing.T) {
	t.Parallel()

	creds := Profile{}.Credentials(t.Context(), nil, "/home/alice")
	assert.Equal(t, ssh.DefaultCredentials("/home/alice"), creds)
}

func TestForwardSpecs(t *testing.T) {
	t.Parallel()

	p := Profile{Forwards: []ForwardEntry{
		{Kind: forward.Local, Spec: "8080:db:5432"},
		{Kind: forward.Dynamic, Spec: "1080"},
	}}
	specs, err := p.ForwardSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, forward.Local, specs[0].Kind)
	assert.Equal(t, "db", specs[0].TargetHost)
	assert.Equal(t, forward.Dynamic, specs[1].Kind)
	assert.Equal(t, 1080, specs[1].BindPort)

	p.Forwards = append(p.Forwards, ForwardEntry{Kind: forward.Remote, Spec: "nope"})
	_, err = p.ForwardSpecs()
	require.ErrorIs(t, err, forward.ErrInvalidSpec)
}
