package session

import "fmt"

// State is a session lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Ready
	ShellOpen
	ForwardingOnly
	Closing
	Failed
)

var stateNames = [...]string{
	Disconnected:   "disconnected",
	Connecting:     "connecting",
	Authenticating: "authenticating",
	Ready:          "ready",
	ShellOpen:      "shell-open",
	ForwardingOnly: "forwarding-only",
	Closing:        "closing",
	Failed:         "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether s is Disconnected or Failed.
func (s State) Terminal() bool {
	return s == Disconnected || s == Failed
}

// connected reports whether s has an authenticated transport.
func (s State) connected() bool {
	return s == Ready || s == ShellOpen || s == ForwardingOnly
}
