package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ContextDialer dials outbound connections.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Server is a small SSH server for exercising clients in tests.
//
// It accepts "session" channels (pty-req, window-change, shell, exec and the
// sftp subsystem), "direct-tcpip" channels, and "tcpip-forward" global
// requests. The shell echoes its input the way a terminal in cooked mode
// would and exits on a line reading "exit".
type Server struct {
	config *ssh.ServerConfig
	cfg    ServerConfig

	listener net.Listener

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// ServerConfig holds configuration for the SSH server.
type ServerConfig struct {
	// HostKeys are the server's private host key(s). At least one is required.
	HostKeys []ssh.Signer

	// At least one of the auth callbacks must be set.
	PasswordCallback            func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)
	PublicKeyCallback           func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error)
	KeyboardInteractiveCallback func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error)

	// Dialer is used to establish outbound connections for direct-tcpip channels.
	// If nil, a default net.Dialer is used.
	Dialer ContextDialer

	// OnDirectTCPIP, if set, is called for each direct-tcpip open request
	// before dialing.
	OnDirectTCPIP func(host string, port uint32)

	// OnWindowChange, if set, is called for each pty-req and window-change.
	OnWindowChange func(cols, rows uint32)

	// SFTPRoot enables the sftp subsystem with this working directory.
	SFTPRoot string
}

type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

type forwardedTCPIPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

type tcpipForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type ptyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChangeRequest struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type exitStatus struct {
	Status uint32
}

// NewServer creates a new SSH server listening on the given address.
func NewServer(addr string, cfg ServerConfig) (*Server, error) {
	if cfg.PasswordCallback == nil && cfg.PublicKeyCallback == nil && cfg.KeyboardInteractiveCallback == nil {
		return nil, errors.New("ssh server: at least one auth callback required")
	}
	if len(cfg.HostKeys) == 0 {
		return nil, errors.New("ssh server: at least one host key required")
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback:            cfg.PasswordCallback,
		PublicKeyCallback:           cfg.PublicKeyCallback,
		KeyboardInteractiveCallback: cfg.KeyboardInteractiveCallback,
	}
	for _, key := range cfg.HostKeys {
		sshConfig.AddHostKey(key)
	}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh server listen: %w", err)
	}

	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}

	return &Server{
		config:   sshConfig,
		cfg:      cfg,
		listener: ln,
		shutdown: make(chan struct{}),
	}, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts and handles SSH connections until the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return fmt.Errorf("ssh server accept: %w", err)
		}

		s.wg.Go(func() {
			s.handleConn(ctx, conn)
		})
	}
}

// Close stops accepting new connections and waits for existing connections to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	context.AfterFunc(ctx, func() {
		_ = sshConn.Close()
	})
	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
			cancel()
		}
	}()

	fwd := &remoteForwards{conn: sshConn, listeners: make(map[string]net.Listener)}
	defer fwd.closeAll()
	go fwd.handleRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		switch newChan.ChannelType() {
		case "direct-tcpip":
			wg.Go(func() {
				s.handleDirectTCPIP(ctx, newChan)
			})
		case "session":
			wg.Go(func() {
				s.handleSession(newChan)
			})
		default:
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
	wg.Wait()
}

func (s *Server) handleDirectTCPIP(ctx context.Context, newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}
	if s.cfg.OnDirectTCPIP != nil {
		s.cfg.OnDirectTCPIP(payload.Host, payload.Port)
	}

	addr := net.JoinHostPort(payload.Host, strconv.FormatUint(uint64(payload.Port), 10))
	dst, err := s.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	pipe(ch, dst)
}

func (s *Server) handleSession(newChan ssh.NewChannel) {
	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			if s.cfg.OnWindowChange != nil {
				s.cfg.OnWindowChange(p.Columns, p.Rows)
			}
			_ = req.Reply(true, nil)
		case "window-change":
			var w windowChangeRequest
			if err := ssh.Unmarshal(req.Payload, &w); err == nil && s.cfg.OnWindowChange != nil {
				s.cfg.OnWindowChange(w.Columns, w.Rows)
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "env":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go echoShell(ch)
		case "exec":
			var cmd struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &cmd); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			_, _ = fmt.Fprintf(ch, "%s\n", cmd.Command)
			exit(ch, 0)
		case "subsystem":
			var sub struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &sub); err != nil || sub.Name != "sftp" || s.cfg.SFTPRoot == "" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go serveSFTP(ch, s.cfg.SFTPRoot)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// echoShell echoes input back with LF translated to CRLF and exits on a line
// reading "exit".
func echoShell(ch ssh.Channel) {
	var line []byte
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			out := bytes.ReplaceAll(buf[:n], []byte("\n"), []byte("\r\n"))
			if _, werr := ch.Write(out); werr != nil {
				return
			}
			for _, b := range buf[:n] {
				if b != '\n' && b != '\r' {
					line = append(line, b)
					continue
				}
				if string(line) == "exit" {
					exit(ch, 0)
					return
				}
				line = line[:0]
			}
		}
		if err != nil {
			return
		}
	}
}

func exit(ch ssh.Channel, status uint32) {
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&exitStatus{Status: status}))
	_ = ch.Close()
}

func serveSFTP(ch ssh.Channel, root string) {
	srv, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(root))
	if err != nil {
		_ = ch.Close()
		return
	}
	_ = srv.Serve()
	_ = srv.Close()
}

// remoteForwards implements the server side of tcpip-forward.
type remoteForwards struct {
	conn *ssh.ServerConn

	mu        sync.Mutex
	listeners map[string]net.Listener
}

func (f *remoteForwards) handleRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			var r tcpipForwardRequest
			if err := ssh.Unmarshal(req.Payload, &r); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			port, err := f.listen(r)
			if err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, ssh.Marshal(&struct{ Port uint32 }{port}))
		case "cancel-tcpip-forward":
			var r tcpipForwardRequest
			if err := ssh.Unmarshal(req.Payload, &r); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(f.cancel(r), nil)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (f *remoteForwards) listen(r tcpipForwardRequest) (uint32, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(r.BindAddr, strconv.FormatUint(uint64(r.BindPort), 10)))
	if err != nil {
		return 0, err
	}
	port := uint32(ln.Addr().(*net.TCPAddr).Port) //nolint:gosec // TCP ports fit in uint32.

	f.mu.Lock()
	f.listeners[forwardKey(r.BindAddr, port)] = ln
	f.mu.Unlock()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go f.forward(r.BindAddr, port, c)
		}
	}()
	return port, nil
}

func (f *remoteForwards) forward(bindAddr string, port uint32, c net.Conn) {
	origin := c.RemoteAddr().(*net.TCPAddr)
	ch, reqs, err := f.conn.OpenChannel("forwarded-tcpip", ssh.Marshal(&forwardedTCPIPPayload{
		Addr:       bindAddr,
		Port:       port,
		OriginAddr: origin.IP.String(),
		OriginPort: uint32(origin.Port), //nolint:gosec // TCP ports fit in uint32.
	}))
	if err != nil {
		_ = c.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	pipe(ch, c)
}

func (f *remoteForwards) cancel(r tcpipForwardRequest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := forwardKey(r.BindAddr, r.BindPort)
	ln, ok := f.listeners[key]
	if !ok {
		return false
	}
	delete(f.listeners, key)
	_ = ln.Close()
	return true
}

func (f *remoteForwards) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for k, ln := range f.listeners {
		_ = ln.Close()
		delete(f.listeners, k)
	}
}

func forwardKey(addr string, port uint32) string {
	return net.JoinHostPort(addr, strconv.FormatUint(uint64(port), 10))
}

// pipe copies in both directions and closes both ends once either direction
// finishes.
func pipe(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(b, a)
		done <- struct{}{}
	}()

	<-done
	closeBoth()
	<-done
}

// GenerateHostKey generates a random Ed25519 key, for test servers and
// clients.
func GenerateHostKey() (ssh.Signer, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return ssh.NewSignerFromKey(key)
}

// SimplePasswordAuth returns a PasswordCallback that authenticates against
// a single username/password pair.
func SimplePasswordAuth(username, password string) func(ssh.ConnMetadata, []byte) (*ssh.Permissions, error) {
	return func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
		if conn.User() != username || string(pass) != password {
			return nil, errors.New("invalid credentials")
		}
		return &ssh.Permissions{}, nil
	}
}

// SimplePublicKeyAuth returns a PublicKeyCallback accepting only key for
// username.
func SimplePublicKeyAuth(username string, key ssh.PublicKey) func(ssh.ConnMetadata, ssh.PublicKey) (*ssh.Permissions, error) {
	want := key.Marshal()
	return func(conn ssh.ConnMetadata, got ssh.PublicKey) (*ssh.Permissions, error) {
		if conn.User() != username || !bytes.Equal(got.Marshal(), want) {
			return nil, errors.New("unknown public key")
		}
		return &ssh.Permissions{}, nil
	}
}
