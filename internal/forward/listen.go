package forward

import (
	"context"
	"net"
)

// listenTCP listens on addr and applies keepAlive to accepted connections.
func listenTCP(ctx context.Context, addr string, keepAlive net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	return &keepAliveListener{Listener: ln, KeepAliveConfig: keepAlive}, nil
}

// keepAliveListener applies KeepAliveConfig to every accepted *net.TCPConn.
type keepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}
