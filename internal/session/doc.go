// Package session orchestrates one SSH connection: transport, host key
// verification, authentication, the interactive shell and its terminal
// bridge, and the connection's forwards.
//
// A Session is driven by Commands and reports through Events. All session
// state is owned by a single actor goroutine; dialing, handshakes, channel
// opens and teardown run on their own goroutines and report back to it.
// Consumers must keep reading Events until the channel is closed.
//
// Manager is the explicit registry of live sessions. It also runs the
// keepalive sweep.
package session
