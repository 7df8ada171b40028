package terminal

import (
	"sync"
	"unicode"
)

// DefaultScrollback is the scrollback limit used when New is given a
// negative value.
const DefaultScrollback = 10000

// Bridge turns a shell byte stream into a character grid. Feed, Write,
// Resize and Clear take the write lock; the rest take the read lock, except
// Diff, which resets change tracking.
type Bridge struct {
	mu sync.RWMutex
	s  *screen
	p  *parser

	seq        uint64
	lastCursor Cursor
	lastTitle  string
}

// LineDiff is one changed row.
type LineDiff struct {
	Row   int
	Cells []Cell
}

// FrameDiff lists the rows changed since the previous Diff. Full is set
// when every row is included, after a resize, a screen switch or a reset.
type FrameDiff struct {
	Seq       uint64
	Cols      int
	Rows      int
	Full      bool
	Lines     []LineDiff
	Cursor    Cursor
	Title     string
	AltScreen bool
}

// Empty reports whether the diff carries no changes.
func (d FrameDiff) Empty() bool {
	return !d.Full && len(d.Lines) == 0
}

// Match is a search hit. Line counts from the oldest scrollback line, so
// screen row r is Line ScrollbackLen+r. Col and Len are in cells.
type Match struct {
	Line int
	Col  int
	Len  int
}

// New returns a Bridge with a cols x rows grid keeping up to scrollback
// lines of history.
func New(cols, rows, scrollback int) *Bridge {
	if scrollback < 0 {
		scrollback = DefaultScrollback
	}
	s := newScreen(max(cols, 1), max(rows, 1), scrollback)
	return &Bridge{s: s, p: newParser(s)}
}

// Feed parses data and updates the grid.
func (b *Bridge) Feed(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.p.feed(data)
}

// Write implements io.Writer. It never fails.
func (b *Bridge) Write(data []byte) (int, error) {
	b.Feed(data)
	return len(data), nil
}

// Resize changes the grid size, clamping the cursor.
func (b *Bridge) Resize(cols, rows int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.s.resize(cols, rows)
}

// Size returns the grid size.
func (b *Bridge) Size() (cols, rows int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.s.cols, b.s.rows
}

// Snapshot returns a copy of the visible grid.
func (b *Bridge) Snapshot() Grid {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Grid{
		Cols:          b.s.cols,
		Rows:          b.s.rows,
		Cells:         copyLines(b.s.buf()),
		Cursor:        b.cursor(),
		Title:         b.s.title,
		AltScreen:     b.s.altActive,
		ScrollbackLen: b.s.sb.len(),
	}
}

func (b *Bridge) cursor() Cursor {
	return Cursor{Col: b.s.x, Row: b.s.y, Visible: b.s.cursorVisible}
}

// Dirty reports whether Diff would return changes.
func (b *Bridge) Dirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.s.full || b.cursor() != b.lastCursor || b.s.title != b.lastTitle {
		return true
	}
	for _, d := range b.s.dirty {
		if d {
			return true
		}
	}
	return false
}

// Diff returns the rows changed since the last call and resets tracking.
func (b *Bridge) Diff() FrameDiff {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.s
	b.seq++
	d := FrameDiff{
		Seq:       b.seq,
		Cols:      s.cols,
		Rows:      s.rows,
		Full:      s.full,
		Cursor:    b.cursor(),
		Title:     s.title,
		AltScreen: s.altActive,
	}
	buf := s.buf()
	for r := range buf {
		if s.full || s.dirty[r] {
			d.Lines = append(d.Lines, LineDiff{Row: r, Cells: append([]Cell(nil), buf[r]...)})
		}
		s.dirty[r] = false
	}
	s.full = false
	b.lastCursor = d.Cursor
	b.lastTitle = d.Title
	return d
}

// Scrollback returns a copy of the scrollback, oldest line first.
func (b *Bridge) Scrollback() [][]Cell {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([][]Cell, b.s.sb.len())
	for i := range out {
		out[i] = append([]Cell(nil), b.s.sb.at(i)...)
	}
	return out
}

// Title returns the window title set by OSC 0 or 2.
func (b *Bridge) Title() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.s.title
}

// Clear wipes the screen and scrollback and homes the cursor.
func (b *Bridge) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.s
	for _, line := range s.buf() {
		fill(line, Color{})
	}
	s.sb.clear()
	s.moveTo(0, 0)
	s.full = true
}

// Search finds pattern in scrollback and the visible screen, in order.
func (b *Bridge) Search(pattern string, caseSensitive bool) []Match {
	needle := []rune(pattern)
	if len(needle) == 0 {
		return nil
	}
	if !caseSensitive {
		lowerRunes(needle)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []Match
	n := b.s.sb.len()
	search := func(lineNo int, cells []Cell) {
		runes, cols := lineRunes(cells)
		if !caseSensitive {
			lowerRunes(runes)
		}
		for i := 0; i+len(needle) <= len(runes); i++ {
			if !equalRunes(runes[i:i+len(needle)], needle) {
				continue
			}
			end := cols[i+len(needle)-1] + int(cells[cols[i+len(needle)-1]].Width)
			matches = append(matches, Match{Line: lineNo, Col: cols[i], Len: end - cols[i]})
		}
	}
	for i := range n {
		search(i, b.s.sb.at(i))
	}
	for r, line := range b.s.buf() {
		search(n+r, line)
	}
	return matches
}

// lineRunes returns the runes of a line and the cell column of each.
func lineRunes(cells []Cell) ([]rune, []int) {
	runes := make([]rune, 0, len(cells))
	cols := make([]int, 0, len(cells))
	for i, c := range cells {
		if c.Width == 0 {
			continue
		}
		r := c.Ch
		if r == 0 {
			r = ' '
		}
		runes = append(runes, r)
		cols = append(cols, i)
	}
	return runes, cols
}

func lowerRunes(rs []rune) {
	for i, r := range rs {
		rs[i] = unicode.ToLower(r)
	}
}

func equalRunes(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
