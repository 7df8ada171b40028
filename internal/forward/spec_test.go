package forward

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind Kind
		in   string
		want Spec
	}{
		{
			name: "local_default_bind",
			kind: Local,
			in:   "8080:db.internal:5432",
			want: Spec{Kind: Local, BindHost: "127.0.0.1", BindPort: 8080, TargetHost: "db.internal", TargetPort: 5432},
		},
		{
			name: "local_bind",
			kind: Local,
			in:   "0.0.0.0:8080:localhost:80",
			want: Spec{Kind: Local, BindHost: "0.0.0.0", BindPort: 8080, TargetHost: "localhost", TargetPort: 80},
		},
		{
			name: "local_ipv6",
			kind: Local,
			in:   "[::1]:8080:[2001:db8::1]:443",
			want: Spec{Kind: Local, BindHost: "::1", BindPort: 8080, TargetHost: "2001:db8::1", TargetPort: 443},
		},
		{
			name: "remote_default_bind",
			kind: Remote,
			in:   "9000:localhost:3000",
			want: Spec{Kind: Remote, BindHost: "0.0.0.0", BindPort: 9000, TargetHost: "localhost", TargetPort: 3000},
		},
		{
			name: "remote_wildcard",
			kind: Remote,
			in:   "*:9000:localhost:3000",
			want: Spec{Kind: Remote, BindHost: "0.0.0.0", BindPort: 9000, TargetHost: "localhost", TargetPort: 3000},
		},
		{
			name: "dynamic",
			kind: Dynamic,
			in:   "1080",
			want: Spec{Kind: Dynamic, BindHost: "127.0.0.1", BindPort: 1080},
		},
		{
			name: "dynamic_bind",
			kind: Dynamic,
			in:   "localhost:1080",
			want: Spec{Kind: Dynamic, BindHost: "localhost", BindPort: 1080},
		},
		{
			name: "dynamic_empty_bind",
			kind: Dynamic,
			in:   ":1080",
			want: Spec{Kind: Dynamic, BindHost: "0.0.0.0", BindPort: 1080},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseSpec(tt.kind, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSpecErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind Kind
		in   string
	}{
		{name: "local_too_few", kind: Local, in: "8080:host"},
		{name: "local_too_many", kind: Local, in: "a:1:b:2:c"},
		{name: "local_bad_port", kind: Local, in: "http:host:80"},
		{name: "local_port_range", kind: Local, in: "8080:host:70000"},
		{name: "local_target_port_zero", kind: Local, in: "8080:host:0"},
		{name: "local_no_host", kind: Local, in: "8080::80"},
		{name: "dynamic_extra", kind: Dynamic, in: "a:1080:b"},
		{name: "dynamic_empty", kind: Dynamic, in: ""},
		{name: "unterminated_bracket", kind: Dynamic, in: "[::1:1080"},
		{name: "unknown_kind", kind: Kind(9), in: "1080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseSpec(tt.kind, tt.in)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}
}

func TestKindText(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{Local, Remote, Dynamic} {
		b, err := k.MarshalText()
		require.NoError(t, err)

		var got Kind
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, k, got)
	}

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("socks5")))
	assert.Equal(t, Dynamic, k)
	assert.Error(t, k.UnmarshalText([]byte("sideways")))
}

func TestSpecString(t *testing.T) {
	t.Parallel()

	s := Spec{Kind: Local, BindHost: "::1", BindPort: 8080, TargetHost: "db", TargetPort: 5432}
	assert.Equal(t, "local [::1]:8080 -> db:5432", s.String())
	assert.Equal(t, "dynamic 127.0.0.1:1080", Spec{Kind: Dynamic, BindHost: "127.0.0.1", BindPort: 1080}.String())
}
