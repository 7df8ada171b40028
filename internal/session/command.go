package session

import (
	"github.com/google/uuid"

	"github.com/die-net/tabssh/internal/forward"
	"github.com/die-net/tabssh/internal/profile"
)

// Command is one of the commands below.
type Command interface {
	isCommand()
}

// Connect starts connecting to Profile. Allowed when Disconnected or
// Failed.
type Connect struct {
	Profile profile.Profile
}

// Disconnect closes the session gracefully.
type Disconnect struct{}

// SendInput writes Data to the shell. Allowed in ShellOpen.
type SendInput struct {
	Data []byte
}

// Resize changes the terminal size.
type Resize struct {
	Cols, Rows int
}

// AddForward starts a forward on the connected transport.
type AddForward struct {
	Spec forward.Spec
}

// RemoveForward stops a forward, letting its relays drain.
type RemoveForward struct {
	ID uuid.UUID
}

// OpenShell opens the interactive shell in Ready or ForwardingOnly.
type OpenShell struct{}

// HostKeyDecision answers a HostKeyPrompt.
type HostKeyDecision struct {
	Accept bool
}

// AuthResponse answers an AuthPrompt.
type AuthResponse struct {
	Answers []string
}

func (Connect) isCommand()         {}
func (Disconnect) isCommand()      {}
func (SendInput) isCommand()       {}
func (Resize) isCommand()          {}
func (AddForward) isCommand()      {}
func (RemoveForward) isCommand()   {}
func (OpenShell) isCommand()       {}
func (HostKeyDecision) isCommand() {}
func (AuthResponse) isCommand()    {}

func commandName(c Command) string {
	switch c.(type) {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case SendInput:
		return "send-input"
	case Resize:
		return "resize"
	case AddForward:
		return "add-forward"
	case RemoveForward:
		return "remove-forward"
	case OpenShell:
		return "open-shell"
	case HostKeyDecision:
		return "host-key-decision"
	case AuthResponse:
		return "auth-response"
	default:
		return "unknown"
	}
}
