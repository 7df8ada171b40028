package session

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/tabssh/internal/dialer"
	"github.com/die-net/tabssh/internal/forward"
	internalssh "github.com/die-net/tabssh/internal/ssh"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"mismatch", fmt.Errorf("handshake: %w", &internalssh.HostKeyMismatchError{Host: "h", Port: 22}), HostKeyMismatch},
		{"exhausted", &internalssh.AuthExhaustedError{}, AuthExhausted},
		{"rejected", fmt.Errorf("handshake: %w", internalssh.ErrHostKeyRejected), TransportError},
		{"proxy refused", &dialer.ProxyRefusedError{Status: "403 Forbidden", StatusCode: 403}, TransportError},
		{"bind", &forward.BindError{Spec: forward.Spec{Kind: forward.Local, BindPort: 8080}, Err: errors.New("in use")}, ForwardBindError},
		{"open channel", &ssh.OpenChannelError{Reason: ssh.ConnectionFailed, Message: "refused"}, ChannelError},
		{"bad spec", fmt.Errorf("%w: port", forward.ErrInvalidSpec), ProtocolViolation},
		{"other", io.ErrUnexpectedEOF, TransportError},
		{"already classified", &Error{Kind: InvalidState, Reason: "x"}, InvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := classify(tt.err)
			assert.Equal(t, tt.want, got.Kind)
			require.ErrorIs(t, got, tt.err)
			assert.NotEmpty(t, got.UserMessage())
		})
	}
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	e := &Error{Kind: ChannelError, Reason: "shell closed", Err: io.EOF}
	assert.Equal(t, "channel-error: shell closed: EOF", e.Error())
	assert.Equal(t, "Channel error: shell closed.", e.UserMessage())
	assert.True(t, IsKind(fmt.Errorf("wrapped: %w", e), ChannelError))
	assert.False(t, IsKind(e, TransportError))
	assert.False(t, IsKind(io.EOF, TransportError))

	inv := invalidState(SendInput{}, Disconnected)
	assert.Equal(t, InvalidState, inv.Kind)
	assert.Equal(t, "send-input is not allowed while disconnected", inv.Reason)
}
