// Package socks5 holds the SOCKS5 handshake used by dynamic forwards and by
// the socks5:// proxy dialer.
//
// Negotiation and reply framing use github.com/txthinking/socks5. CONNECT
// requests are parsed here so that every address form RFC 1928 allows,
// including zero-length domain names, reaches the caller.
//
// Only CONNECT is supported. BIND and UDP ASSOCIATE are refused with
// "command not supported".
package socks5
