package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/die-net/tabssh/internal/session"
	"github.com/die-net/tabssh/internal/terminal"
)

// console is the local terminal: prompts in cooked mode, then raw input and
// painted frames once a shell is open.
type console struct {
	fd  int
	tty bool
	in  *bufio.Reader
	out io.Writer

	mu    sync.Mutex
	saved *term.State
	title string
}

func newConsole(in *os.File, out io.Writer) *console {
	fd := int(in.Fd()) //nolint:gosec // File descriptors fit in int.
	return &console{
		fd:  fd,
		tty: term.IsTerminal(fd),
		in:  bufio.NewReader(in),
		out: out,
	}
}

func (c *console) size() (cols, rows int, ok bool) {
	if !c.tty {
		return 0, 0, false
	}
	cols, rows, err := term.GetSize(c.fd)
	if err != nil || cols < 1 || rows < 1 {
		return 0, 0, false
	}
	return cols, rows, true
}

func (c *console) makeRaw() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.tty || c.saved != nil {
		return nil
	}
	st, err := term.MakeRaw(c.fd)
	if err != nil {
		return err
	}
	c.saved = st
	_, _ = io.WriteString(c.out, "\x1b[2J\x1b[H")
	return nil
}

func (c *console) restore() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.saved == nil {
		return
	}
	_, _ = io.WriteString(c.out, "\x1b[0m\x1b[?25h\r\n")
	_ = term.Restore(c.fd, c.saved)
	c.saved = nil
}

// pump forwards stdin until it ends.
func (c *console) pump() <-chan []byte {
	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		buf := make([]byte, 4096)
		for {
			n, err := c.in.Read(buf)
			if n > 0 {
				ch <- bytes.Clone(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func (c *console) readLine(hidden bool) string {
	if hidden && c.tty {
		b, err := term.ReadPassword(c.fd)
		_, _ = io.WriteString(c.out, "\n")
		if err != nil {
			return ""
		}
		return string(b)
	}
	line, _ := c.in.ReadString('\n')
	return strings.TrimRight(line, "\r\n")
}

func (c *console) confirm(question string) bool {
	for {
		_, _ = io.WriteString(c.out, question)
		switch strings.ToLower(strings.TrimSpace(c.readLine(false))) {
		case "yes", "y":
			return true
		case "no", "n", "":
			return false
		}
		_, _ = io.WriteString(c.out, "Please type 'yes' or 'no'.\n")
	}
}

func (c *console) answer(p session.AuthPrompt) []string {
	if p.Name != "" {
		fmt.Fprintf(c.out, "%s (%s)\n", p.Name, p.Host)
	}
	if p.Instruction != "" {
		fmt.Fprintln(c.out, p.Instruction)
	}
	answers := make([]string, len(p.Questions))
	for i, q := range p.Questions {
		_, _ = io.WriteString(c.out, q)
		echo := i < len(p.Echo) && p.Echo[i]
		answers[i] = c.readLine(!echo)
	}
	return answers
}

// paint draws a frame diff onto the local terminal.
func (c *console) paint(d terminal.FrameDiff) {
	var b strings.Builder
	writeFrame(&b, d, &c.title)
	_, _ = io.WriteString(c.out, b.String())
}

func writeFrame(b *strings.Builder, d terminal.FrameDiff, title *string) {
	b.WriteString("\x1b[?25l")
	if d.Full {
		b.WriteString("\x1b[0m\x1b[2J")
	}
	for _, l := range d.Lines {
		fmt.Fprintf(b, "\x1b[%d;1H", l.Row+1)
		writeLine(b, l.Cells)
		b.WriteString("\x1b[0m\x1b[K")
	}
	if d.Title != *title {
		*title = d.Title
		fmt.Fprintf(b, "\x1b]0;%s\x07", d.Title)
	}
	fmt.Fprintf(b, "\x1b[%d;%dH", d.Cursor.Row+1, d.Cursor.Col+1)
	if d.Cursor.Visible {
		b.WriteString("\x1b[?25h")
	}
}

func writeLine(b *strings.Builder, cells []terminal.Cell) {
	// Trailing default blanks are left to the erase.
	end := len(cells)
	for end > 0 && plain(cells[end-1]) {
		end--
	}

	var (
		cur     terminal.Cell
		started bool
	)
	for _, cell := range cells[:end] {
		if cell.Width == 0 {
			continue
		}
		if !started || !sameStyle(cell, cur) {
			b.WriteString(sgr(cell))
			cur, started = cell, true
		}
		if cell.Ch == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteRune(cell.Ch)
		}
	}
}

func plain(c terminal.Cell) bool {
	return (c.Ch == ' ' || c.Ch == 0) && c.Width <= 1 && sameStyle(c, terminal.Blank)
}

func sameStyle(a, b terminal.Cell) bool {
	return a.Fg == b.Fg && a.Bg == b.Bg && a.Attr == b.Attr
}

var attrCodes = []struct {
	attr terminal.Attr
	code string
}{
	{terminal.AttrBold, "1"},
	{terminal.AttrDim, "2"},
	{terminal.AttrItalic, "3"},
	{terminal.AttrUnderline, "4"},
	{terminal.AttrBlink, "5"},
	{terminal.AttrInverse, "7"},
	{terminal.AttrHidden, "8"},
	{terminal.AttrStrike, "9"},
}

// sgr returns the escape sequence selecting c's rendition from a reset.
func sgr(c terminal.Cell) string {
	params := []string{"0"}
	for _, a := range attrCodes {
		if c.Attr&a.attr != 0 {
			params = append(params, a.code)
		}
	}
	params = appendColor(params, c.Fg, 30, 90, 38)
	params = appendColor(params, c.Bg, 40, 100, 48)
	return "\x1b[" + strings.Join(params, ";") + "m"
}

func appendColor(params []string, col terminal.Color, base, bright, extended int) []string {
	switch col.Kind {
	case terminal.ColorIndexed:
		switch {
		case col.Index < 8:
			return append(params, strconv.Itoa(base+int(col.Index)))
		case col.Index < 16:
			return append(params, strconv.Itoa(bright+int(col.Index)-8))
		default:
			return append(params, strconv.Itoa(extended), "5", strconv.Itoa(int(col.Index)))
		}
	case terminal.ColorRGB:
		return append(params, strconv.Itoa(extended), "2", strconv.Itoa(int(col.R)), strconv.Itoa(int(col.G)), strconv.Itoa(int(col.B)))
	default:
		return params
	}
}
