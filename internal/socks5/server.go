package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

const version = 0x05

// ErrNoAcceptableMethod is returned by ServerNegotiate when the client offers
// no method the server accepts.
var ErrNoAcceptableMethod = errors.New("socks5: no acceptable authentication method")

// ProtocolError is a malformed or unsupported request.
type ProtocolError struct {
	Reason string
	// Reply is the code sent to the client before closing, if Replied.
	Reply   byte
	Replied bool
}

func (e *ProtocolError) Error() string {
	return "socks5: " + e.Reason
}

// Request is a parsed CONNECT request.
type Request struct {
	Cmd  byte
	Atyp byte
	Host string
	Port uint16
}

// Address returns host:port.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(int(r.Port)))
}

// ServerNegotiate reads the client's method selection and replies. With an
// empty auth.Username only "no authentication" is accepted.
func ServerNegotiate(conn net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("negotiation request: %v", err)}
	}

	if auth.Username != "" {
		if !containsMethod(neg.Methods, txsocks5.MethodUsernamePassword) {
			writeNoAcceptableMethods(conn)
			return ErrNoAcceptableMethod
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return errors.New("socks5: auth failed")
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		return nil
	}

	if !containsMethod(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(conn)
		return ErrNoAcceptableMethod
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}

// ServerNegotiateNoAuth accepts only clients offering no authentication.
func ServerNegotiateNoAuth(conn net.Conn) error {
	return ServerNegotiate(conn, Auth{})
}

// ServerReadRequest reads a CONNECT request. A bad version byte returns a
// *ProtocolError without replying. An unsupported command or address type is
// answered with the matching failure reply before the *ProtocolError is
// returned.
func ServerReadRequest(conn net.Conn) (*Request, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if hdr[0] != version {
		return nil, &ProtocolError{Reason: fmt.Sprintf("bad request version %#x", hdr[0])}
	}
	req := &Request{Cmd: hdr[1], Atyp: hdr[3]}

	if req.Cmd != CmdConnect {
		return nil, replyError(conn, RepCommandNotSupported, req.Atyp, fmt.Sprintf("unsupported command %#x", req.Cmd))
	}

	switch req.Atyp {
	case ATYPIPv4, ATYPIPv6:
		n := net.IPv4len
		if req.Atyp == ATYPIPv6 {
			n = net.IPv6len
		}
		ip := make(net.IP, n)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, fmt.Errorf("request address: %w", err)
		}
		req.Host = ip.String()
	case ATYPDomain:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return nil, fmt.Errorf("request address: %w", err)
		}
		name := make([]byte, int(l[0]))
		if _, err := io.ReadFull(conn, name); err != nil {
			return nil, fmt.Errorf("request address: %w", err)
		}
		req.Host = string(name)
	default:
		return nil, replyError(conn, RepAddressNotSupported, ATYPIPv4, fmt.Sprintf("unsupported address type %#x", req.Atyp))
	}

	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return nil, fmt.Errorf("request port: %w", err)
	}
	req.Port = binary.BigEndian.Uint16(port[:])
	return req, nil
}

func replyError(conn net.Conn, rep, atyp byte, reason string) error {
	err := &ProtocolError{Reason: reason, Reply: rep}
	if WriteReply(conn, rep, atyp) == nil {
		err.Replied = true
	}
	return err
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
