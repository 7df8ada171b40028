// Package terminal emulates the subset of a VT/xterm terminal needed to
// render a remote shell: a character grid with colors and attributes, a
// cursor, an alternate screen and a bounded scrollback.
//
// Bytes go in through Bridge.Feed (or Write) from a single reader. Any number
// of readers may call Snapshot or Diff concurrently. Escape sequences may be
// split across Feed calls at any byte; unknown or malformed sequences are
// consumed without output.
//
//	b := terminal.New(80, 24, terminal.DefaultScrollback)
//	_, _ = io.Copy(b, shellStdout)
//	grid := b.Snapshot()
package terminal
