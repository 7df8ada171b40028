package dialer

import (
	"net"
	"time"
)

// Config holds settings shared by all dialers.
type Config struct {
	// DialTimeout bounds each TCP connect. Zero means no timeout.
	DialTimeout time.Duration
	// NegotiationTimeout bounds proxy negotiation (TLS, CONNECT, SOCKS5).
	// Zero means no timeout.
	NegotiationTimeout time.Duration
	// KeepAlive is applied to direct TCP connections.
	KeepAlive net.KeepAliveConfig
}
