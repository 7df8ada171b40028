package session

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/tabssh/internal/terminal"
)

// transportGrace is how long a shell that vanished without an exit status
// waits to learn whether the transport went with it.
const transportGrace = time.Second

// shellOp is queued input or a window change for the shell writer.
type shellOp struct {
	data       []byte
	resize     bool
	cols, rows int
}

func (s *Session) startShell() {
	s.shellBusy = true
	client, gen := s.client.Load(), s.gen
	term, cols, rows := s.profile.Term, s.profile.Cols, s.profile.Rows
	go func() {
		r := shellResult{gen: gen}
		r.sess, r.stdin, r.stdout, r.err = openShell(client, term, cols, rows)
		s.post(r)
	}()
}

func openShell(client *ssh.Client, term string, cols, rows int) (*ssh.Session, io.WriteCloser, io.Reader, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open session channel: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, nil, nil, fmt.Errorf("stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, nil, nil, fmt.Errorf("stdout: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		_ = sess.Close()
		return nil, nil, nil, fmt.Errorf("request pty: %w", err)
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, nil, nil, fmt.Errorf("start shell: %w", err)
	}
	return sess, stdin, stdout, nil
}

func (s *Session) onShell(m shellResult) {
	if m.gen != s.gen || (s.state != Ready && s.state != ForwardingOnly) {
		m.close()
		return
	}
	if m.err != nil {
		s.shellBusy = false
		s.emit(ErrorEvent{Err: &Error{Kind: ChannelError, Reason: "could not open shell", Err: m.err}})
		s.setState(ForwardingOnly, nil)
		return
	}

	s.shell = m.sess
	s.input = make(chan shellOp, inputBuffer)
	go s.writeShell(m.sess, m.stdin, s.input)
	go s.readShell(m.gen, s.client.Load(), m.sess, m.stdout, s.bridge.Load())
	s.setState(ShellOpen, nil)
}

// readShell is the only writer to the bridge.
func (s *Session) readShell(gen int, client *ssh.Client, sess *ssh.Session, stdout io.Reader, b *terminal.Bridge) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			b.Feed(buf[:n])
			s.requestRender()
		}
		if err != nil {
			break
		}
	}
	s.post(shellClosed{gen: gen, err: shellExit(client, sess.Wait())})
}

// shellExit classifies how the shell ended. A reported exit status, zero or
// not, is a normal end.
func shellExit(client *ssh.Client, err error) *Error {
	var exitErr *ssh.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}

	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) && client != nil {
		lost := make(chan error, 1)
		go func() { lost <- client.Wait() }()
		select {
		case werr := <-lost:
			return &Error{Kind: TransportError, Reason: "connection lost", Err: werr}
		case <-time.After(transportGrace):
		}
	}
	return &Error{Kind: ChannelError, Reason: "shell channel closed unexpectedly", Err: err}
}

func (s *Session) writeShell(sess *ssh.Session, stdin io.WriteCloser, ops <-chan shellOp) {
	defer stdin.Close()

	var failed bool
	for op := range ops {
		if failed {
			continue
		}
		var err error
		if op.resize {
			err = sess.WindowChange(op.rows, op.cols)
		} else {
			_, err = stdin.Write(op.data)
		}
		if err != nil {
			s.log.Debug().Err(err).Msg("shell write failed")
			failed = true
		}
	}
}
