package ssh

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig holds configuration for establishing an SSH client connection.
type ClientConfig struct {
	// Username for SSH authentication.
	Username string
	// Auth are the methods to offer, usually from Negotiator.AuthMethods.
	Auth []ssh.AuthMethod
	// HostKeyCallback verifies the server's host key.
	HostKeyCallback ssh.HostKeyCallback
	// HandshakeTimeout is the deadline for the SSH handshake, including
	// authentication. Zero means no timeout.
	HandshakeTimeout time.Duration
	// ClientVersion overrides the SSH identification string.
	ClientVersion string
}

// NewClient establishes an SSH client connection over conn.
//
// addr is passed to the host key callback and should be the "host:port" the
// user asked for, not the address of any proxy in between.
//
// If cfg.HandshakeTimeout is set, a deadline is applied during the SSH
// handshake and cleared before returning. On error, conn is closed.
func NewClient(conn net.Conn, cfg ClientConfig, addr string) (*ssh.Client, error) {
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            cfg.Auth,
		HostKeyCallback: cfg.HostKeyCallback,
		ClientVersion:   cfg.ClientVersion,
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}

// KeepAlive sends one OpenSSH keepalive request and waits for the reply.
func KeepAlive(client *ssh.Client, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		errc <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("keepalive: no reply within %s", timeout)
	}
}
