// Package ssh establishes authenticated SSH transports on top of
// golang.org/x/crypto/ssh.
//
// It adds the pieces an interactive client needs around the library's
// handshake:
//   - [Negotiator]: tries an ordered list of credentials (password, key file,
//     keyboard-interactive, agent), records a per-credential outcome, and
//     suspends on user prompts until [Negotiator.Respond] is called.
//   - [HostKeyVerifier]: checks host keys against a hostkey.Store, with an
//     optional read-only OpenSSH known_hosts fallback, and hands unknown keys
//     to a user decision.
//   - [NewClient]: runs the handshake over an existing net.Conn with a
//     deadline.
//   - [Server]: a small in-process SSH server used by tests. It supports
//     shells, direct-tcpip, tcpip-forward and the sftp subsystem.
//
// Example usage:
//
//	neg := ssh.NewNegotiator(creds, ssh.NegotiatorOptions{Log: log})
//	verifier, _ := ssh.NewHostKeyVerifier(store, "~/.ssh/known_hosts", decide, log)
//
//	client, err := ssh.NewClient(conn, ssh.ClientConfig{
//	    Username:        "user",
//	    Auth:            neg.AuthMethods(ctx),
//	    HostKeyCallback: verifier.Callback(ctx),
//	}, "ssh.example.com:22")
//	err = neg.Finish(err)
package ssh
