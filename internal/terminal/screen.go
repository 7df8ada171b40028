package terminal

import (
	"github.com/mattn/go-runewidth"
)

const tabWidth = 8

type savedCursor struct {
	x, y        int
	pen         Cell
	origin      bool
	pendingWrap bool
}

// screen holds grid state and implements the operations the parser
// dispatches. Callers hold the Bridge lock.
type screen struct {
	cols, rows int

	main      [][]Cell
	alt       [][]Cell
	altActive bool

	x, y        int
	pendingWrap bool
	pen         Cell
	saved       [2]savedCursor

	top, bottom   int
	insert        bool
	origin        bool
	autowrap      bool
	cursorVisible bool
	tabs          []bool

	title string
	sb    *scrollback

	dirty []bool
	full  bool
}

func newScreen(cols, rows, scrollbackLines int) *screen {
	s := &screen{
		cols: cols,
		rows: rows,
		sb:   newScrollback(scrollbackLines),
	}
	s.reset()
	return s
}

func (s *screen) reset() {
	s.main = make([][]Cell, s.rows)
	s.alt = make([][]Cell, s.rows)
	for i := range s.main {
		s.main[i] = blankLine(s.cols, Color{})
		s.alt[i] = blankLine(s.cols, Color{})
	}
	s.altActive = false
	s.x, s.y = 0, 0
	s.pendingWrap = false
	s.pen = Blank
	s.saved = [2]savedCursor{{pen: Blank}, {pen: Blank}}
	s.top, s.bottom = 0, s.rows-1
	s.insert = false
	s.origin = false
	s.autowrap = true
	s.cursorVisible = true
	s.title = ""
	s.resetTabs(0)
	s.dirty = make([]bool, s.rows)
	s.full = true
}

func (s *screen) resetTabs(from int) {
	tabs := make([]bool, s.cols)
	copy(tabs, s.tabs)
	for i := from; i < s.cols; i++ {
		tabs[i] = i > 0 && i%tabWidth == 0
	}
	s.tabs = tabs
}

func (s *screen) buf() [][]Cell {
	if s.altActive {
		return s.alt
	}
	return s.main
}

func (s *screen) markDirty(row int) {
	if row >= 0 && row < len(s.dirty) {
		s.dirty[row] = true
	}
}

func (s *screen) markRange(from, to int) {
	for r := from; r <= to; r++ {
		s.markDirty(r)
	}
}

func (s *screen) blank() Cell {
	return Cell{Ch: ' ', Width: 1, Bg: s.pen.Bg}
}

// print writes r at the cursor and advances it.
func (s *screen) print(r rune) {
	w := runewidth.RuneWidth(r)
	if w == 0 {
		return
	}
	if w > 2 {
		w = 2
	}
	if w == 2 && s.cols < 2 {
		w = 1
	}

	if s.pendingWrap {
		s.pendingWrap = false
		if s.autowrap {
			s.x = 0
			s.index()
		}
	}
	if w == 2 && s.x == s.cols-1 {
		if !s.autowrap {
			s.x = s.cols - 2
		} else {
			line := s.buf()[s.y]
			s.clearWide(line, s.x)
			line[s.x] = s.blank()
			s.markDirty(s.y)
			s.x = 0
			s.index()
		}
	}

	line := s.buf()[s.y]
	if s.insert {
		s.insertCells(w)
	}
	s.clearWide(line, s.x)
	if w == 2 {
		s.clearWide(line, s.x+1)
	}

	c := s.pen
	c.Ch = r
	c.Width = uint8(w) //nolint:gosec // w is 1 or 2.
	line[s.x] = c
	if w == 2 {
		c.Ch = 0
		c.Width = 0
		line[s.x+1] = c
	}
	s.markDirty(s.y)

	if s.x+w >= s.cols {
		s.x = s.cols - 1
		s.pendingWrap = s.autowrap
		return
	}
	s.x += w
}

// clearWide blanks both halves of a wide rune that overlaps column x.
func (s *screen) clearWide(line []Cell, x int) {
	if x < 0 || x >= len(line) {
		return
	}
	switch line[x].Width {
	case 0:
		if x > 0 {
			line[x-1] = s.blank()
		}
		line[x] = s.blank()
	case 2:
		if x+1 < len(line) {
			line[x+1] = s.blank()
		}
		line[x] = s.blank()
	}
}

// Controls.

func (s *screen) carriageReturn() {
	s.x = 0
	s.pendingWrap = false
}

func (s *screen) backspace() {
	if s.x > 0 {
		s.x--
	}
	s.pendingWrap = false
}

func (s *screen) tab(n int) {
	for ; n > 0 && s.x < s.cols-1; n-- {
		s.x++
		for s.x < s.cols-1 && !s.tabs[s.x] {
			s.x++
		}
	}
	s.pendingWrap = false
}

func (s *screen) backTab(n int) {
	for ; n > 0 && s.x > 0; n-- {
		s.x--
		for s.x > 0 && !s.tabs[s.x] {
			s.x--
		}
	}
	s.pendingWrap = false
}

func (s *screen) setTab() {
	s.tabs[s.x] = true
}

func (s *screen) clearTab(mode int) {
	switch mode {
	case 0:
		s.tabs[s.x] = false
	case 3:
		clear(s.tabs)
	}
}

// index moves the cursor down one line, scrolling the region at its bottom.
func (s *screen) index() {
	s.pendingWrap = false
	switch {
	case s.y == s.bottom:
		s.scrollUp(1)
	case s.y < s.rows-1:
		s.y++
	}
}

func (s *screen) reverseIndex() {
	s.pendingWrap = false
	switch {
	case s.y == s.top:
		s.scrollDown(1)
	case s.y > 0:
		s.y--
	}
}

func (s *screen) nextLine() {
	s.x = 0
	s.index()
}

// scrollUp moves the scroll region up n lines. Lines leaving the top of the
// full primary screen go to scrollback.
func (s *screen) scrollUp(n int) {
	s.scrollRegionUp(n, !s.altActive && s.top == 0)
}

func (s *screen) scrollRegionUp(n int, save bool) {
	height := s.bottom - s.top + 1
	n = min(max(n, 1), height)

	buf := s.buf()
	if save {
		for i := range n {
			s.sb.push(buf[s.top+i])
		}
	}
	copy(buf[s.top:s.bottom+1], buf[s.top+n:s.bottom+1])
	for r := s.bottom - n + 1; r <= s.bottom; r++ {
		buf[r] = blankLine(s.cols, s.pen.Bg)
	}
	s.markRange(s.top, s.bottom)
}

func (s *screen) scrollDown(n int) {
	height := s.bottom - s.top + 1
	n = min(max(n, 1), height)

	buf := s.buf()
	copy(buf[s.top+n:s.bottom+1], buf[s.top:s.bottom+1-n])
	for r := s.top; r < s.top+n; r++ {
		buf[r] = blankLine(s.cols, s.pen.Bg)
	}
	s.markRange(s.top, s.bottom)
}

// Cursor movement.

func (s *screen) moveTo(x, y int) {
	s.pendingWrap = false
	top, bottom := 0, s.rows-1
	if s.origin {
		top, bottom = s.top, s.bottom
		y += s.top
	}
	s.x = clamp(x, 0, s.cols-1)
	s.y = clamp(y, top, bottom)
}

func (s *screen) cursorUp(n int) {
	s.pendingWrap = false
	limit := 0
	if s.y >= s.top {
		limit = s.top
	}
	s.y = max(s.y-n, limit)
}

func (s *screen) cursorDown(n int) {
	s.pendingWrap = false
	limit := s.rows - 1
	if s.y <= s.bottom {
		limit = s.bottom
	}
	s.y = min(s.y+n, limit)
}

func (s *screen) cursorForward(n int) {
	s.pendingWrap = false
	s.x = min(s.x+n, s.cols-1)
}

func (s *screen) cursorBack(n int) {
	s.pendingWrap = false
	s.x = max(s.x-n, 0)
}

func (s *screen) setColumn(x int) {
	s.pendingWrap = false
	s.x = clamp(x, 0, s.cols-1)
}

func (s *screen) setRow(y int) {
	s.moveTo(s.x, y)
}

func (s *screen) saveCursor() {
	s.saved[s.bufIndex()] = savedCursor{x: s.x, y: s.y, pen: s.pen, origin: s.origin, pendingWrap: s.pendingWrap}
}

func (s *screen) restoreCursor() {
	c := s.saved[s.bufIndex()]
	s.x = clamp(c.x, 0, s.cols-1)
	s.y = clamp(c.y, 0, s.rows-1)
	s.pen = c.pen
	s.origin = c.origin
	s.pendingWrap = c.pendingWrap
}

func (s *screen) bufIndex() int {
	if s.altActive {
		return 1
	}
	return 0
}

// Editing.

func (s *screen) eraseDisplay(mode int) {
	buf := s.buf()
	switch mode {
	case 0:
		s.eraseLine(0)
		for r := s.y + 1; r < s.rows; r++ {
			fill(buf[r], s.pen.Bg)
		}
		s.markRange(s.y, s.rows-1)
	case 1:
		s.eraseLine(1)
		for r := 0; r < s.y; r++ {
			fill(buf[r], s.pen.Bg)
		}
		s.markRange(0, s.y)
	case 2:
		for r := range buf {
			fill(buf[r], s.pen.Bg)
		}
		s.markRange(0, s.rows-1)
	case 3:
		s.sb.clear()
		s.full = true
	}
}

func (s *screen) eraseLine(mode int) {
	line := s.buf()[s.y]
	switch mode {
	case 0:
		s.clearWide(line, s.x)
		fill(line[s.x:], s.pen.Bg)
	case 1:
		s.clearWide(line, s.x)
		fill(line[:s.x+1], s.pen.Bg)
	case 2:
		fill(line, s.pen.Bg)
	}
	s.pendingWrap = false
	s.markDirty(s.y)
}

func (s *screen) eraseChars(n int) {
	line := s.buf()[s.y]
	end := min(s.x+max(n, 1), s.cols)
	s.clearWide(line, s.x)
	s.clearWide(line, end-1)
	fill(line[s.x:end], s.pen.Bg)
	s.pendingWrap = false
	s.markDirty(s.y)
}

func (s *screen) insertCells(n int) {
	line := s.buf()[s.y]
	n = min(max(n, 1), s.cols-s.x)
	s.clearWide(line, s.x)
	copy(line[s.x+n:], line[s.x:s.cols-n])
	fill(line[s.x:s.x+n], s.pen.Bg)
	if last := line[s.cols-1]; last.Width == 2 {
		line[s.cols-1] = s.blank()
	}
	s.markDirty(s.y)
}

func (s *screen) deleteCells(n int) {
	line := s.buf()[s.y]
	n = min(max(n, 1), s.cols-s.x)
	s.clearWide(line, s.x)
	s.clearWide(line, s.x+n-1)
	copy(line[s.x:], line[s.x+n:])
	fill(line[s.cols-n:], s.pen.Bg)
	s.pendingWrap = false
	s.markDirty(s.y)
}

func (s *screen) insertLines(n int) {
	if s.y < s.top || s.y > s.bottom {
		return
	}
	top := s.top
	s.top = s.y
	s.scrollDown(n)
	s.top = top
	s.x = 0
	s.pendingWrap = false
}

func (s *screen) deleteLines(n int) {
	if s.y < s.top || s.y > s.bottom {
		return
	}
	top := s.top
	s.top = s.y
	s.scrollRegionUp(n, false)
	s.top = top
	s.x = 0
	s.pendingWrap = false
}

func (s *screen) setScrollRegion(top, bottom int) {
	if bottom <= 0 || bottom > s.rows {
		bottom = s.rows
	}
	if top <= 0 {
		top = 1
	}
	if top >= bottom {
		return
	}
	s.top, s.bottom = top-1, bottom-1
	s.moveTo(0, 0)
}

// Modes.

func (s *screen) setAltScreen(on, saveRestore, clearAlt bool) {
	if on == s.altActive {
		return
	}
	if on {
		if saveRestore {
			s.saveCursor()
		}
		s.altActive = true
		if clearAlt {
			for r := range s.alt {
				fill(s.alt[r], Color{})
			}
		}
	} else {
		if clearAlt {
			for r := range s.alt {
				fill(s.alt[r], Color{})
			}
		}
		s.altActive = false
		if saveRestore {
			s.restoreCursor()
		}
	}
	s.pendingWrap = false
	s.full = true
}

func (s *screen) setDECMode(mode int, on bool) {
	switch mode {
	case 6:
		s.origin = on
		s.moveTo(0, 0)
	case 7:
		s.autowrap = on
		if !on {
			s.pendingWrap = false
		}
	case 25:
		s.cursorVisible = on
	case 47:
		s.setAltScreen(on, false, false)
	case 1047:
		s.setAltScreen(on, false, !on)
	case 1048:
		if on {
			s.saveCursor()
		} else {
			s.restoreCursor()
		}
	case 1049:
		s.setAltScreen(on, true, on)
	}
}

func (s *screen) setMode(mode int, on bool) {
	if mode == 4 {
		s.insert = on
	}
}

// resize changes the grid size. Rows pushed off the top of the primary
// screen to keep the cursor visible go to scrollback. Lines are truncated or
// padded, not rewrapped.
func (s *screen) resize(cols, rows int) {
	cols = max(cols, 1)
	rows = max(rows, 1)
	if cols == s.cols && rows == s.rows {
		return
	}

	mainCursor, altCursor := s.y, 0
	if s.altActive {
		mainCursor, altCursor = s.saved[0].y, s.y
	}

	var shift int
	s.main, shift = s.resizeBuf(s.main, cols, rows, mainCursor, true)
	if s.altActive {
		s.saved[0].y -= shift
	} else {
		s.y -= shift
	}
	s.alt, shift = s.resizeBuf(s.alt, cols, rows, altCursor, false)
	if s.altActive {
		s.y -= shift
	}

	s.cols, s.rows = cols, rows
	s.resetTabs(len(s.tabs))
	s.x = clamp(s.x, 0, cols-1)
	s.y = clamp(s.y, 0, rows-1)
	s.pendingWrap = false
	for i := range s.saved {
		s.saved[i].x = clamp(s.saved[i].x, 0, cols-1)
		s.saved[i].y = clamp(s.saved[i].y, 0, rows-1)
	}
	s.top, s.bottom = 0, rows-1
	s.dirty = make([]bool, rows)
	s.full = true
}

// resizeBuf fits buf to cols x rows and returns how many rows were removed
// from the top. Blank rows below cursorRow are dropped first; any further
// excess comes off the top, into scrollback when save is set.
func (s *screen) resizeBuf(buf [][]Cell, cols, rows, cursorRow int, save bool) ([][]Cell, int) {
	fromTop := 0
	if excess := len(buf) - rows; excess > 0 {
		trailing := 0
		for r := len(buf) - 1; r > cursorRow && isBlank(buf[r]); r-- {
			trailing++
		}
		fromTop = excess - min(trailing, excess)
		if save {
			for i := range fromTop {
				s.sb.push(buf[i])
			}
		}
		buf = buf[fromTop : fromTop+rows]
	}
	for len(buf) < rows {
		buf = append(buf, blankLine(cols, Color{}))
	}

	for r, line := range buf {
		switch {
		case len(line) > cols:
			line = line[:cols:cols]
			if line[cols-1].Width == 2 {
				line[cols-1] = Blank
			}
		case len(line) < cols:
			grown := make([]Cell, cols)
			copy(grown, line)
			fill(grown[len(line):], Color{})
			line = grown
		}
		buf[r] = line
	}
	return buf, fromTop
}

func isBlank(line []Cell) bool {
	for _, c := range line {
		if c.Width != 1 || (c.Ch != ' ' && c.Ch != 0) || c.Bg.Kind != ColorDefault || c.Attr != 0 {
			return false
		}
	}
	return true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// alignmentTest fills the screen with 'E' (DECALN).
func (s *screen) alignmentTest() {
	for _, line := range s.buf() {
		for i := range line {
			line[i] = Cell{Ch: 'E', Width: 1}
		}
	}
	s.top, s.bottom = 0, s.rows-1
	s.moveTo(0, 0)
	s.markRange(0, s.rows-1)
}
