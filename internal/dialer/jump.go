package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// ConnectFunc establishes an authenticated SSH transport to a jump host.
type ConnectFunc func(ctx context.Context) (*ssh.Client, error)

// ErrJumpClosed is returned by DialContext after Close.
var ErrJumpClosed = errors.New("jump dialer closed")

// JumpDialer opens outbound TCP connections as direct-tcpip channels
// through an SSH jump host.
//
// It keeps at most one SSH transport, created lazily by connect on the first
// DialContext call, and multiplexes every dialed connection over it.
// Concurrent first calls share one connect. A failed channel open that is
// not an *ssh.OpenChannelError discards the transport, reconnects once and
// retries.
type JumpDialer struct {
	name    string
	connect ConnectFunc

	mu     sync.Mutex
	client *ssh.Client
	closed bool
	sf     singleflight.Group
}

// NewJumpDialer returns a JumpDialer for the jump host called name, which
// is only used in errors.
func NewJumpDialer(name string, connect ConnectFunc) *JumpDialer {
	return &JumpDialer{name: name, connect: connect}
}

// DialContext opens a channel to address over the jump transport. Canceling
// ctx closes only the returned channel.
func (f *JumpDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("jump %s dial %s %s: unsupported network", f.name, network, address)
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, err
	}

	upConn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// The transport is healthy; the destination is not.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("jump %s dial %s: %w", f.name, address, err)
		}

		f.invalidateClient(client)
		client, err2 := f.getClient(ctx)
		if err2 != nil {
			return nil, fmt.Errorf("jump %s dial %s: %w", f.name, address, err)
		}
		upConn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("jump %s dial %s: %w", f.name, address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = upConn.Close()
	})
	return &channelConn{Conn: upConn, stop: stop}, nil
}

// Client returns the current jump transport, or nil.
func (f *JumpDialer) Client() *ssh.Client {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.client
}

// Close closes the jump transport and every channel on it.
func (f *JumpDialer) Close() error {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.closed = true
	f.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// getClient returns the shared client, connecting if needed.
//
// The connect attempt uses a background context so it completes for other
// waiters even if the triggering caller gives up.
func (f *JumpDialer) getClient(ctx context.Context) (*ssh.Client, error) {
	f.mu.Lock()
	client, closed := f.client, f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrJumpClosed
	}
	if client != nil {
		return client, nil
	}

	ch := f.sf.DoChan("connect", func() (any, error) {
		f.mu.Lock()
		if f.client != nil {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		newClient, err := f.connect(context.WithoutCancel(ctx))
		if err != nil {
			return nil, fmt.Errorf("jump %s: %w", f.name, err)
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.closed {
			_ = newClient.Close()
			return nil, ErrJumpClosed
		}
		f.client = newClient
		return newClient, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

// invalidateClient discards client if it is still the shared one.
func (f *JumpDialer) invalidateClient(client *ssh.Client) {
	f.mu.Lock()
	if f.client != client {
		f.mu.Unlock()
		return
	}
	f.client = nil
	f.mu.Unlock()

	_ = client.Close()
}

// channelConn is one direct-tcpip channel. Close stops the context hook
// and closes the channel.
type channelConn struct {
	net.Conn
	stop func() bool
}

func (c *channelConn) Close() error {
	if c.stop != nil {
		c.stop()
	}
	return c.Conn.Close()
}
