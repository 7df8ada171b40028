package dialer

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/tabssh/internal/ssh"
	"github.com/die-net/tabssh/internal/testutil"
)

type jumpFixture struct {
	addr     string
	connects atomic.Int32
	opens    atomic.Int32
}

func startJumpHost(t *testing.T) *jumpFixture {
	t.Helper()

	hostKey, err := internalssh.GenerateHostKey()
	require.NoError(t, err)

	f := &jumpFixture{}
	srv, err := internalssh.NewServer("127.0.0.1:0", internalssh.ServerConfig{
		HostKeys:         []ssh.Signer{hostKey},
		PasswordCallback: internalssh.SimplePasswordAuth("user", "pass"),
		OnDirectTCPIP:    func(string, uint32) { f.opens.Add(1) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = srv.Close()
	})

	f.addr = srv.Addr().String()
	return f
}

func (f *jumpFixture) connect(ctx context.Context) (*ssh.Client, error) {
	f.connects.Add(1)

	conn, err := NewDirectDialer(Config{DialTimeout: 2 * time.Second}).DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, err
	}
	return internalssh.NewClient(conn, internalssh.ClientConfig{
		Username:         "user",
		Auth:             []ssh.AuthMethod{ssh.Password("pass")},
		HostKeyCallback:  ssh.InsecureIgnoreHostKey(),
		HandshakeTimeout: 5 * time.Second,
	}, f.addr)
}

func TestJumpDialerSharesTransport(t *testing.T) {
	t.Parallel()

	echo1 := testutil.StartEchoServer(t)
	echo2 := testutil.StartEchoServer(t)
	jump := startJumpHost(t)

	d := NewJumpDialer("bastion", jump.connect)
	defer d.Close()

	c1, err := d.DialContext(t.Context(), "tcp", echo1)
	require.NoError(t, err)
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	require.NoError(t, c1.Close())

	c2, err := d.DialContext(t.Context(), "tcp", echo2)
	require.NoError(t, err)
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))

	assert.Equal(t, int32(1), jump.connects.Load())
	assert.Equal(t, int32(2), jump.opens.Load())
}

func TestJumpDialerConcurrentFirstDial(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoServer(t)
	jump := startJumpHost(t)

	d := NewJumpDialer("bastion", jump.connect)
	defer d.Close()

	const n = 8
	conns := make([]net.Conn, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			conns[i], errs[i] = d.DialContext(t.Context(), "tcp", echo)
		})
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		testutil.AssertEcho(t, conns[i], conns[i], []byte("ping"))
		_ = conns[i].Close()
	}
	assert.Equal(t, int32(1), jump.connects.Load())
}

func TestJumpDialerChannelErrorKeepsTransport(t *testing.T) {
	t.Parallel()

	jump := startJumpHost(t)
	d := NewJumpDialer("bastion", jump.connect)
	defer d.Close()

	// Nothing listens on port 1 so the jump host rejects the channel.
	_, err := d.DialContext(t.Context(), "tcp", "127.0.0.1:1")
	var openErr *ssh.OpenChannelError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, ssh.ConnectionFailed, openErr.Reason)

	client := d.Client()
	require.NotNil(t, client)

	_, err = d.DialContext(t.Context(), "tcp", "127.0.0.1:1")
	require.Error(t, err)
	assert.Same(t, client, d.Client())
	assert.Equal(t, int32(1), jump.connects.Load())
}

func TestJumpDialerReconnectsDeadTransport(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoServer(t)
	jump := startJumpHost(t)
	d := NewJumpDialer("bastion", jump.connect)
	defer d.Close()

	c, err := d.DialContext(t.Context(), "tcp", echo)
	require.NoError(t, err)
	_ = c.Close()

	old := d.Client()
	require.NoError(t, old.Close())

	c, err = d.DialContext(t.Context(), "tcp", echo)
	require.NoError(t, err)
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("again"))

	assert.NotSame(t, old, d.Client())
	assert.Equal(t, int32(2), jump.connects.Load())
}

func TestJumpDialerConnectError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("auth exhausted")
	d := NewJumpDialer("bastion", func(context.Context) (*ssh.Client, error) {
		return nil, wantErr
	})

	_, err := d.DialContext(t.Context(), "tcp", "127.0.0.1:22")
	require.ErrorIs(t, err, wantErr)
	assert.Contains(t, err.Error(), "bastion")
	assert.Nil(t, d.Client())
}

func TestJumpDialerClose(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoServer(t)
	jump := startJumpHost(t)
	d := NewJumpDialer("bastion", jump.connect)

	c, err := d.DialContext(t.Context(), "tcp", echo)
	require.NoError(t, err)

	require.NoError(t, d.Close())

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)

	_, err = d.DialContext(t.Context(), "tcp", echo)
	assert.ErrorIs(t, err, ErrJumpClosed)
}

func TestJumpDialerContextClosesChannel(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoServer(t)
	jump := startJumpHost(t)
	d := NewJumpDialer("bastion", jump.connect)
	defer d.Close()

	ctx, cancel := context.WithCancel(t.Context())
	c, err := d.DialContext(ctx, "tcp", echo)
	require.NoError(t, err)
	testutil.AssertEcho(t, c, c, []byte("x"))

	cancel()
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
}
