package session

import (
	"github.com/die-net/tabssh/internal/forward"
	internalssh "github.com/die-net/tabssh/internal/ssh"
	"github.com/die-net/tabssh/internal/terminal"
)

// Event is one of the events below.
type Event interface {
	isEvent()
}

// StateChanged reports a transition. Err is set when State is Failed.
type StateChanged struct {
	State State
	Err   *Error
}

// Rendered carries the terminal rows changed since the previous Rendered.
type Rendered struct {
	Diff terminal.FrameDiff
}

// ForwardStatus reports a forward's active relay count.
type ForwardStatus struct {
	forward.Status
}

// ErrorEvent reports an error that does not by itself fail the session.
type ErrorEvent struct {
	Err *Error
}

// HostKeyPrompt asks whether to trust an unknown host key. Answer with
// HostKeyDecision.
type HostKeyPrompt struct {
	internalssh.HostKeyPrompt
}

// AuthPrompt asks the user for authentication input. Answer with
// AuthResponse.
type AuthPrompt struct {
	// Host is the host:port being authenticated, which may be a jump host.
	Host string
	internalssh.Prompt
}

func (StateChanged) isEvent()  {}
func (Rendered) isEvent()      {}
func (ForwardStatus) isEvent() {}
func (ErrorEvent) isEvent()    {}
func (HostKeyPrompt) isEvent() {}
func (AuthPrompt) isEvent()    {}
