package forward

import (
	"errors"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/tabssh/internal/socks5"
)

// relayDynamic runs the SOCKS5 handshake on conn and relays it to a channel
// opened to the requested destination. Protocol errors close only conn.
func (m *Manager) relayDynamic(f *forward, conn net.Conn) {
	log := m.log.With().Str("forward", f.id.String()).Str("client", conn.RemoteAddr().String()).Logger()

	_ = conn.SetDeadline(time.Now().Add(m.opts.HandshakeTimeout))
	if err := socks5.ServerNegotiateNoAuth(conn); err != nil {
		log.Debug().Err(err).Msg("socks5 negotiation failed")
		_ = conn.Close()
		return
	}
	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		log.Debug().Err(err).Msg("socks5 request rejected")
		_ = conn.Close()
		return
	}

	ch, err := m.ch.DialContext(f.ctx, "tcp", req.Address())
	if err != nil {
		log.Debug().Err(err).Str("target", req.Address()).Msg("channel open failed")
		_ = socks5.WriteReply(conn, replyCode(err), socks5.ATYPIPv4)
		_ = conn.Close()
		return
	}
	if err := socks5.WriteSuccessReply(conn, nil); err != nil {
		log.Debug().Err(err).Msg("socks5 reply failed")
		_ = conn.Close()
		_ = ch.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	m.relay(f, conn, ch)
}

// replyCode maps a channel open failure to a SOCKS5 reply.
func replyCode(err error) byte {
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) {
		switch oce.Reason {
		case ssh.ConnectionFailed:
			return socks5.RepHostUnreachable
		case ssh.Prohibited:
			return socks5.RepNotAllowed
		}
	}
	return socks5.RepGeneralFailure
}
