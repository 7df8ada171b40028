package dialer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/tabssh/internal/socks5"
	"github.com/die-net/tabssh/internal/testutil"
)

// serveSOCKS5Connect handles one CONNECT with the server side of the
// socks5 package and relays it until either side closes.
func serveSOCKS5Connect(ctx context.Context, c net.Conn, auth socks5.Auth) {
	if err := socks5.ServerNegotiate(c, auth); err != nil {
		return
	}
	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address())
	if err != nil {
		_ = socks5.WriteReply(c, socks5.RepConnectionRefused, socks5.ATYPIPv4)
		return
	}
	defer dst.Close()

	if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return
	}

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := c.Read(buf)
			if err != nil {
				_ = dst.Close()
				return
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return
			}
		}
	}()
	buf := make([]byte, 1024)
	for {
		n, err := dst.Read(buf)
		if err != nil {
			return
		}
		if _, err := c.Write(buf[:n]); err != nil {
			return
		}
	}
}

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		auth socks5.Auth
	}{
		{name: "no_auth"},
		{name: "user_pass", auth: socks5.Auth{Username: "user", Password: "pass"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			echoAddr := testutil.StartEchoServer(t)
			upLn, waitUp := testutil.StartSingleAcceptServer(t, func(c net.Conn) {
				serveSOCKS5Connect(ctx, c, tt.auth)
			})

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), tt.auth.Username, tt.auth.Password)

			conn, err := f.DialContext(ctx, "tcp", echoAddr)
			require.NoError(t, err)

			testutil.AssertEcho(t, conn, conn, []byte("hello"))

			_ = conn.Close()
			waitUp()
		})
	}
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	t.Parallel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, func(c net.Conn) {
		// Never answers the negotiation.
		_, _ = c.Read(make([]byte, 1))
		<-t.Context().Done()
	})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	start := time.Now()
	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	_ = waitUp
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	t.Parallel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, func(c net.Conn) {
		if socks5.ServerNegotiateNoAuth(c) != nil {
			return
		}
		if _, err := socks5.ServerReadRequest(c); err != nil {
			return
		}
		_ = socks5.WriteReply(c, socks5.RepConnectionRefused, socks5.ATYPIPv4)
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	_, err := f.DialContext(t.Context(), "tcp", "127.0.0.1:1")
	var rerr *socks5.ReplyError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, socks5.RepConnectionRefused, rerr.Code)

	waitUp()
}
