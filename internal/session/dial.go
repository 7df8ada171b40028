package session

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/tabssh/internal/dialer"
	"github.com/die-net/tabssh/internal/profile"
	internalssh "github.com/die-net/tabssh/internal/ssh"
)

// dial connects to p through its proxy and jump chain and authenticates.
// On failure every jump transport it opened is closed.
func (s *Session) dial(ctx context.Context, gen int, p profile.Profile) (*ssh.Client, []*dialer.JumpDialer, error) {
	verifier, err := internalssh.NewHostKeyVerifier(s.opts.HostKeys, s.opts.KnownHosts, s.decideHostKey(gen), s.log)
	if err != nil {
		return nil, nil, err
	}

	proxy := p.Proxy
	if proxy == "" {
		proxy = s.opts.Proxy
	}
	base, err := dialer.New(s.opts.Dialer, proxy)
	if err != nil {
		return nil, nil, err
	}

	d := base
	jumps := make([]*dialer.JumpDialer, 0, len(p.Jump))
	for _, hop := range p.Jump {
		prev := d
		jd := dialer.NewJumpDialer(hop.Name, func(ctx context.Context) (*ssh.Client, error) {
			conn, err := prev.DialContext(ctx, "tcp", hop.Addr())
			if err != nil {
				return nil, err
			}
			return s.handshake(ctx, gen, conn, hop, verifier, false)
		})
		jumps = append(jumps, jd)
		d = jd
	}

	s.log.Info().Str("addr", p.Addr()).Int("jumps", len(jumps)).Bool("proxy", proxy != "").Msg("connecting")
	conn, err := d.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		closeJumps(jumps)
		return nil, nil, err
	}
	client, err := s.handshake(ctx, gen, conn, p, verifier, true)
	if err != nil {
		closeJumps(jumps)
		return nil, nil, err
	}
	s.log.Info().Str("addr", p.Addr()).Str("user", p.Username).Msg("authenticated")
	return client, jumps, nil
}

func closeJumps(jumps []*dialer.JumpDialer) {
	for i := len(jumps) - 1; i >= 0; i-- {
		_ = jumps[i].Close()
	}
}

// handshake runs the SSH handshake and authentication for p over conn.
// conn is closed on failure or when ctx ends before the handshake does.
func (s *Session) handshake(ctx context.Context, gen int, conn net.Conn, p profile.Profile, v *internalssh.HostKeyVerifier, target bool) (*ssh.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	neg := internalssh.NewNegotiator(p.Credentials(ctx, s.opts.Secrets, s.opts.Home), internalssh.NegotiatorOptions{
		Agent: s.opts.Agent,
		Log:   s.log,
	})
	defer neg.Close()
	go s.relayPrompts(ctx, gen, p.Addr(), neg)

	verify := v.Callback(ctx)
	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if target {
			s.post(authenticating{gen: gen})
		}
		return verify(hostname, remote, key)
	}

	client, err := internalssh.NewClient(conn, internalssh.ClientConfig{
		Username:         p.Username,
		Auth:             neg.AuthMethods(ctx),
		HostKeyCallback:  hostKeyCallback,
		HandshakeTimeout: s.opts.HandshakeTimeout,
	}, p.Addr())
	if err != nil {
		if internalssh.IsAuthFailure(err) {
			err = neg.Finish(err)
			s.log.Warn().Str("addr", p.Addr()).Err(err).Msg("authentication failed")
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", p.Addr(), err)
	}
	_ = neg.Finish(nil)
	return client, nil
}

func (s *Session) relayPrompts(ctx context.Context, gen int, host string, neg *internalssh.Negotiator) {
	for {
		select {
		case p := <-neg.Prompts():
			s.post(authAsk{gen: gen, host: host, neg: neg, prompt: p})
		case <-ctx.Done():
			return
		}
	}
}

// decideHostKey suspends host key verification until the user answers
// through HostKeyDecision.
func (s *Session) decideHostKey(gen int) internalssh.DecideFunc {
	return func(ctx context.Context, p internalssh.HostKeyPrompt) (bool, error) {
		reply := make(chan bool, 1)
		if !s.post(hostKeyAsk{gen: gen, prompt: p, reply: reply}) {
			return false, ErrSessionClosed
		}
		select {
		case ok := <-reply:
			return ok, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
