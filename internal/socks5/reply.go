package socks5

import (
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect

	ATYPIPv4   = txsocks5.ATYPIPv4
	ATYPDomain = txsocks5.ATYPDomain
	ATYPIPv6   = txsocks5.ATYPIPv6
)

// Reply codes (RFC 1928 section 6).
const (
	RepSuccess             byte = 0x00
	RepGeneralFailure      byte = 0x01
	RepNotAllowed          byte = 0x02
	RepNetworkUnreachable  byte = 0x03
	RepHostUnreachable     byte = 0x04
	RepConnectionRefused   byte = 0x05
	RepCommandNotSupported byte = 0x07
	RepAddressNotSupported byte = 0x08
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// WriteReply writes a reply with code rep and an all-zero bound address of
// the family of atyp.
func WriteReply(conn net.Conn, rep, atyp byte) error {
	if _, err := newZeroAddrReply(rep, atyp).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 reply: %w", err)
	}
	return nil
}

// WriteSuccessReply writes a SOCKS5 success reply using bindAddr as the bound
// address. A nil bindAddr reports 0.0.0.0:0.
func WriteSuccessReply(conn net.Conn, bindAddr net.Addr) error {
	if bindAddr == nil {
		return WriteReply(conn, RepSuccess, ATYPIPv4)
	}
	a, addr, port, err := txsocks5.ParseAddress(bindAddr.String())
	if err != nil {
		return fmt.Errorf("parse bound address %q: %w", bindAddr.String(), err)
	}
	if a == txsocks5.ATYPDomain {
		addr = addr[1:]
	}
	if _, err := txsocks5.NewReply(RepSuccess, a, addr, port).WriteTo(conn); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(conn net.Conn) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
}
