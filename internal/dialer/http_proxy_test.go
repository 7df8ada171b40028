package dialer

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/tabssh/internal/testutil"
)

func newHTTPProxyDialer(t *testing.T, addr, user, pass string) *HTTPProxyDialer {
	t.Helper()

	u := &url.URL{Scheme: "http", Host: addr}
	d, err := NewHTTPProxyDialer(Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}, u, user, pass)
	require.NoError(t, err)
	return d
}

func TestHTTPProxyDialerDialSuccess(t *testing.T) {
	t.Parallel()

	echoAddr := testutil.StartEchoServer(t)

	gotAuth := make(chan string, 1)
	upLn, waitUp := testutil.StartSingleAcceptServer(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		if req.Method != http.MethodConnect {
			return
		}
		gotAuth <- req.Header.Get("Proxy-Authorization")
		target := req.Host
		_ = req.Body.Close()

		dst, err := net.Dial("tcp", target)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		// The banner rides in the same write as the response.
		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\nSSH-2.0-test\r\n")

		go func() {
			_, _ = io.Copy(dst, br)
			_ = dst.Close()
		}()
		_, _ = io.Copy(c, dst)
	})

	f := newHTTPProxyDialer(t, upLn.Addr().String(), "user", "pass")

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	conn, err := f.DialContext(ctx, "tcp", echoAddr)
	require.NoError(t, err)

	banner := make([]byte, len("SSH-2.0-test\r\n"))
	_, err = io.ReadFull(conn, banner)
	require.NoError(t, err)
	assert.Equal(t, "SSH-2.0-test\r\n", string(banner))

	testutil.AssertEcho(t, conn, conn, []byte("hello"))
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")), <-gotAuth)

	_ = conn.Close()
	waitUp()
}

func TestHTTPProxyDialerDialNon2xx(t *testing.T) {
	t.Parallel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 403 Forbidden\r\n\r\n")
	})

	f := newHTTPProxyDialer(t, upLn.Addr().String(), "", "")

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	var refused *ProxyRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, 403, refused.StatusCode)
	assert.Equal(t, "127.0.0.1:1", refused.Target)
	assert.Contains(t, err.Error(), "403")

	waitUp()
}

func TestHTTPProxyDialerUnsupportedNetwork(t *testing.T) {
	t.Parallel()

	f := newHTTPProxyDialer(t, "127.0.0.1:1", "", "")
	_, err := f.DialContext(t.Context(), "udp", "127.0.0.1:53")
	assert.Error(t, err)
}
