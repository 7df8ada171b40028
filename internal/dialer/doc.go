// Package dialer establishes the outbound connections that carry SSH
// transports: directly, through a SOCKS5 or HTTP CONNECT proxy, or through
// a jump host.
//
// Every dialer implements DialContext, so a jump host can itself be reached
// through a proxy or another jump host.
package dialer
