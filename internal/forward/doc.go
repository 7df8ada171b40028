// Package forward runs local, remote and dynamic (SOCKS5) port forwards over
// one SSH transport.
//
// Each forward owns a listener. Every accepted connection is paired with
// exactly one SSH channel (or, for remote forwards, one outbound connection)
// and the pair is relayed until either side closes, which closes both.
package forward
