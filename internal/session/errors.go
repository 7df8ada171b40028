package session

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/tabssh/internal/dialer"
	"github.com/die-net/tabssh/internal/forward"
	internalssh "github.com/die-net/tabssh/internal/ssh"
)

// ErrorKind classifies session errors.
type ErrorKind int

const (
	TransportError ErrorKind = iota + 1
	AuthExhausted
	HostKeyMismatch
	ChannelError
	ForwardBindError
	ProtocolViolation
	InvalidState
)

var kindNames = map[ErrorKind]string{
	TransportError:    "transport-error",
	AuthExhausted:     "auth-exhausted",
	HostKeyMismatch:   "host-key-mismatch",
	ChannelError:      "channel-error",
	ForwardBindError:  "forward-bind-error",
	ProtocolViolation: "protocol-violation",
	InvalidState:      "invalid-state",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ErrSessionClosed is returned by commands sent after Close.
var ErrSessionClosed = errors.New("session: closed")

// Error is a classified session error.
type Error struct {
	Kind ErrorKind
	// Reason is a short human-readable explanation.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is the text to show the user.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case TransportError:
		return "Connection failed: " + e.Reason + ". You can try connecting again."
	case AuthExhausted:
		return "Authentication failed: " + e.Reason + ". Check your credentials and try again."
	case HostKeyMismatch:
		return "WARNING: the host key has changed. Someone may be intercepting this connection. " + e.Reason + "."
	case ChannelError:
		return "Channel error: " + e.Reason + "."
	case ForwardBindError:
		return "Could not start forward: " + e.Reason + "."
	case ProtocolViolation:
		return "Protocol error: " + e.Reason + "."
	case InvalidState:
		return "Not possible right now: " + e.Reason + "."
	default:
		return e.Reason
	}
}

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func invalidState(cmd Command, st State) *Error {
	return &Error{Kind: InvalidState, Reason: fmt.Sprintf("%s is not allowed while %s", commandName(cmd), st)}
}

// classify maps an error from dialing, handshaking or channel opens to an
// *Error.
func classify(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}

	var mismatch *internalssh.HostKeyMismatchError
	if errors.As(err, &mismatch) {
		return &Error{Kind: HostKeyMismatch, Reason: mismatch.Error(), Err: err}
	}
	var exhausted *internalssh.AuthExhaustedError
	if errors.As(err, &exhausted) {
		return &Error{Kind: AuthExhausted, Reason: "no authentication method was accepted", Err: err}
	}
	if errors.Is(err, internalssh.ErrHostKeyRejected) {
		return &Error{Kind: TransportError, Reason: "host key was not accepted", Err: err}
	}
	var refused *dialer.ProxyRefusedError
	if errors.As(err, &refused) {
		return &Error{Kind: TransportError, Reason: "proxy refused the connection (" + refused.Status + ")", Err: err}
	}
	var bind *forward.BindError
	if errors.As(err, &bind) {
		return &Error{Kind: ForwardBindError, Reason: bind.Spec.String(), Err: err}
	}
	var open *ssh.OpenChannelError
	if errors.As(err, &open) {
		return &Error{Kind: ChannelError, Reason: open.Message, Err: err}
	}
	if errors.Is(err, forward.ErrInvalidSpec) {
		return &Error{Kind: ProtocolViolation, Reason: "invalid forward", Err: err}
	}
	return &Error{Kind: TransportError, Reason: "network or handshake failure", Err: err}
}
