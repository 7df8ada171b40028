// Package testutil has network helpers shared by package tests.
package testutil

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// StartEchoServer listens on 127.0.0.1 and echoes every accepted connection
// until the test ends. It returns the listen address.
func StartEchoServer(t testing.TB) string {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(t.Context(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := map[net.Conn]struct{}{}
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		for c := range conns {
			_ = c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})

	wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns[c] = struct{}{}
			mu.Unlock()

			wg.Go(func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			})
		}
	})

	return ln.Addr().String()
}

// AssertEcho writes msg to w and requires the same bytes back from r.
func AssertEcho(t testing.TB, w io.Writer, r io.Reader, msg []byte) {
	t.Helper()

	_, err := w.Write(msg)
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, string(msg), string(buf))
}
