package terminal

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxParams        = 32
	maxParamValue    = 65535
	maxIntermediates = 2
	maxOSC           = 4096
)

type parserState uint8

const (
	stateGround parserState = iota
	stateEscape
	stateEscapeIntermediate
	stateCSI
	stateCSIIgnore
	stateOSC
	stateOSCEscape
	stateString
	stateStringEscape
)

// parser is a byte-at-a-time VT escape sequence state machine. All of its
// state lives in the struct, so a sequence split across writes resumes where
// it stopped.
type parser struct {
	s     *screen
	state parserState

	params      []int
	cur         int
	hasCur      bool
	private     byte
	intermed    []byte
	osc         []byte
	oscOverflow bool

	utf    [utf8.UTFMax]byte
	utfLen int
}

func newParser(s *screen) *parser {
	return &parser{
		s:        s,
		params:   make([]int, 0, maxParams),
		intermed: make([]byte, 0, maxIntermediates),
	}
}

func (p *parser) feed(data []byte) {
	for _, b := range data {
		p.step(b)
	}
}

func (p *parser) step(b byte) {
	// These act the same in every state.
	switch b {
	case 0x18, 0x1a: // CAN, SUB
		p.flushUTF8()
		p.state = stateGround
		return
	case 0x1b:
		switch p.state {
		case stateOSC:
			p.state = stateOSCEscape
		case stateString:
			p.state = stateStringEscape
		default:
			p.flushUTF8()
			p.enterEscape()
		}
		return
	}

	switch p.state {
	case stateGround:
		p.ground(b)
	case stateEscape:
		p.escape(b)
	case stateEscapeIntermediate:
		p.escapeIntermediate(b)
	case stateCSI:
		p.csi(b)
	case stateCSIIgnore:
		if b < 0x20 {
			p.execute(b)
		} else if b >= 0x40 && b <= 0x7e {
			p.state = stateGround
		}
	case stateOSC:
		switch {
		case b == 0x07:
			p.dispatchOSC()
			p.state = stateGround
		case b >= 0x20:
			p.appendOSC(b)
		}
	case stateOSCEscape:
		if b == '\\' {
			p.dispatchOSC()
			p.state = stateGround
			return
		}
		p.enterEscape()
		p.escape(b)
	case stateString:
		// Consumed until ST.
	case stateStringEscape:
		if b == '\\' {
			p.state = stateGround
			return
		}
		p.enterEscape()
		p.escape(b)
	}
}

func (p *parser) enterEscape() {
	p.state = stateEscape
	p.intermed = p.intermed[:0]
}

func (p *parser) ground(b byte) {
	if p.utfLen > 0 {
		if b&0xc0 == 0x80 {
			p.utf[p.utfLen] = b
			p.utfLen++
			if utf8.FullRune(p.utf[:p.utfLen]) {
				r, size := utf8.DecodeRune(p.utf[:p.utfLen])
				n := p.utfLen
				p.utfLen = 0
				p.s.print(r)
				if size < n {
					// Invalid prefix: the trailing bytes were never part of
					// a rune.
					for range n - size {
						p.s.print(utf8.RuneError)
					}
				}
			}
			return
		}
		p.flushUTF8()
	}

	switch {
	case b < 0x20:
		p.execute(b)
	case b == 0x7f:
	case b < 0x80:
		p.s.print(rune(b))
	case b >= 0xc2 && b <= 0xf4:
		p.utf[0] = b
		p.utfLen = 1
	default:
		p.s.print(utf8.RuneError)
	}
}

// flushUTF8 emits a replacement for an incomplete UTF-8 sequence.
func (p *parser) flushUTF8() {
	if p.utfLen > 0 {
		p.utfLen = 0
		p.s.print(utf8.RuneError)
	}
}

func (p *parser) execute(b byte) {
	switch b {
	case '\b':
		p.s.backspace()
	case '\t':
		p.s.tab(1)
	case '\n', '\v', '\f':
		p.s.index()
	case '\r':
		p.s.carriageReturn()
	}
}

func (p *parser) escape(b byte) {
	switch {
	case b < 0x20:
		p.execute(b)
		return
	case b >= 0x20 && b <= 0x2f:
		p.intermed = append(p.intermed, b)
		p.state = stateEscapeIntermediate
		return
	}

	p.state = stateGround
	switch b {
	case '[':
		p.params = p.params[:0]
		p.cur, p.hasCur = 0, false
		p.private = 0
		p.intermed = p.intermed[:0]
		p.state = stateCSI
	case ']':
		p.osc = p.osc[:0]
		p.oscOverflow = false
		p.state = stateOSC
	case 'P', 'X', '^', '_':
		p.state = stateString
	case '7':
		p.s.saveCursor()
	case '8':
		p.s.restoreCursor()
	case 'D':
		p.s.index()
	case 'E':
		p.s.nextLine()
	case 'M':
		p.s.reverseIndex()
	case 'H':
		p.s.setTab()
	case 'c':
		p.s.reset()
	}
}

func (p *parser) escapeIntermediate(b byte) {
	switch {
	case b < 0x20:
		p.execute(b)
	case b <= 0x2f:
		if len(p.intermed) < maxIntermediates {
			p.intermed = append(p.intermed, b)
		}
	case b <= 0x7e:
		// Charset designators and the like are consumed.
		if len(p.intermed) == 1 && p.intermed[0] == '#' && b == '8' {
			p.s.alignmentTest()
		}
		p.state = stateGround
	}
}

func (p *parser) csi(b byte) {
	switch {
	case b < 0x20:
		p.execute(b)
	case b >= '0' && b <= '9':
		if len(p.intermed) > 0 {
			p.state = stateCSIIgnore
			return
		}
		p.cur = min(p.cur*10+int(b-'0'), maxParamValue)
		p.hasCur = true
	case b == ';' || b == ':':
		if len(p.intermed) > 0 {
			p.state = stateCSIIgnore
			return
		}
		p.pushParam()
		p.hasCur = true
	case b >= '<' && b <= '?':
		if p.private != 0 || len(p.params) > 0 || p.hasCur {
			p.state = stateCSIIgnore
			return
		}
		p.private = b
	case b >= 0x20 && b <= 0x2f:
		if len(p.intermed) >= maxIntermediates {
			p.state = stateCSIIgnore
			return
		}
		p.intermed = append(p.intermed, b)
	case b >= 0x40 && b <= 0x7e:
		if p.hasCur {
			p.pushParam()
		}
		p.state = stateGround
		p.dispatchCSI(b)
	}
}

func (p *parser) pushParam() {
	if len(p.params) < maxParams {
		p.params = append(p.params, p.cur)
	}
	p.cur = 0
	p.hasCur = false
}

// param returns parameter i, or def when it is missing or zero.
func (p *parser) param(i, def int) int {
	if i >= len(p.params) || p.params[i] == 0 {
		return def
	}
	return p.params[i]
}

func (p *parser) dispatchCSI(final byte) {
	s := p.s
	if len(p.intermed) > 0 {
		return
	}

	if p.private == '?' {
		switch final {
		case 'h', 'l':
			for _, m := range p.params {
				s.setDECMode(m, final == 'h')
			}
		}
		return
	}
	if p.private != 0 {
		return
	}

	switch final {
	case '@':
		s.insertCells(p.param(0, 1))
	case 'A':
		s.cursorUp(p.param(0, 1))
	case 'B', 'e':
		s.cursorDown(p.param(0, 1))
	case 'C', 'a':
		s.cursorForward(p.param(0, 1))
	case 'D':
		s.cursorBack(p.param(0, 1))
	case 'E':
		s.cursorDown(p.param(0, 1))
		s.carriageReturn()
	case 'F':
		s.cursorUp(p.param(0, 1))
		s.carriageReturn()
	case 'G', '`':
		s.setColumn(p.param(0, 1) - 1)
	case 'H', 'f':
		s.moveTo(p.param(1, 1)-1, p.param(0, 1)-1)
	case 'I':
		s.tab(p.param(0, 1))
	case 'J':
		s.eraseDisplay(p.param(0, 0))
	case 'K':
		s.eraseLine(p.param(0, 0))
	case 'L':
		s.insertLines(p.param(0, 1))
	case 'M':
		s.deleteLines(p.param(0, 1))
	case 'P':
		s.deleteCells(p.param(0, 1))
	case 'S':
		s.scrollUp(p.param(0, 1))
	case 'T':
		if len(p.params) <= 1 {
			s.scrollDown(p.param(0, 1))
		}
	case 'X':
		s.eraseChars(p.param(0, 1))
	case 'Z':
		s.backTab(p.param(0, 1))
	case 'd':
		s.setRow(p.param(0, 1) - 1)
	case 'g':
		s.clearTab(p.param(0, 0))
	case 'h', 'l':
		for _, m := range p.params {
			s.setMode(m, final == 'h')
		}
	case 'm':
		p.sgr()
	case 'r':
		s.setScrollRegion(p.param(0, 1), p.param(1, s.rows))
	case 's':
		s.saveCursor()
	case 'u':
		s.restoreCursor()
	}
}

func (p *parser) sgr() {
	pen := &p.s.pen
	params := p.params
	if len(params) == 0 {
		params = []int{0}
	}

	for i := 0; i < len(params); i++ {
		switch v := params[i]; {
		case v == 0:
			*pen = Blank
		case v == 1:
			pen.Attr |= AttrBold
		case v == 2:
			pen.Attr |= AttrDim
		case v == 3:
			pen.Attr |= AttrItalic
		case v == 4 || v == 21:
			pen.Attr |= AttrUnderline
		case v == 5 || v == 6:
			pen.Attr |= AttrBlink
		case v == 7:
			pen.Attr |= AttrInverse
		case v == 8:
			pen.Attr |= AttrHidden
		case v == 9:
			pen.Attr |= AttrStrike
		case v == 22:
			pen.Attr &^= AttrBold | AttrDim
		case v == 23:
			pen.Attr &^= AttrItalic
		case v == 24:
			pen.Attr &^= AttrUnderline
		case v == 25:
			pen.Attr &^= AttrBlink
		case v == 27:
			pen.Attr &^= AttrInverse
		case v == 28:
			pen.Attr &^= AttrHidden
		case v == 29:
			pen.Attr &^= AttrStrike
		case v >= 30 && v <= 37:
			pen.Fg = Indexed(uint8(v - 30)) //nolint:gosec // 0-7.
		case v == 38:
			var c Color
			c, i = extendedColor(params, i)
			if c.Kind != ColorDefault {
				pen.Fg = c
			}
		case v == 39:
			pen.Fg = Color{}
		case v >= 40 && v <= 47:
			pen.Bg = Indexed(uint8(v - 40)) //nolint:gosec // 0-7.
		case v == 48:
			var c Color
			c, i = extendedColor(params, i)
			if c.Kind != ColorDefault {
				pen.Bg = c
			}
		case v == 49:
			pen.Bg = Color{}
		case v >= 90 && v <= 97:
			pen.Fg = Indexed(uint8(v - 90 + 8)) //nolint:gosec // 8-15.
		case v >= 100 && v <= 107:
			pen.Bg = Indexed(uint8(v - 100 + 8)) //nolint:gosec // 8-15.
		}
	}
}

// extendedColor parses 38/48 at params[i] and returns the index of the last
// parameter it used. A truncated sequence consumes the rest of the list.
func extendedColor(params []int, i int) (Color, int) {
	if i+1 >= len(params) {
		return Color{}, len(params)
	}
	switch params[i+1] {
	case 5:
		if i+2 >= len(params) {
			return Color{}, len(params)
		}
		return Indexed(uint8(min(params[i+2], 255))), i + 2 //nolint:gosec // Clamped.
	case 2:
		if i+4 >= len(params) {
			return Color{}, len(params)
		}
		r := uint8(min(params[i+2], 255)) //nolint:gosec // Clamped.
		g := uint8(min(params[i+3], 255)) //nolint:gosec // Clamped.
		b := uint8(min(params[i+4], 255)) //nolint:gosec // Clamped.
		return RGB(r, g, b), i + 4
	default:
		return Color{}, i + 1
	}
}

func (p *parser) appendOSC(b byte) {
	if len(p.osc) >= maxOSC {
		p.oscOverflow = true
		return
	}
	p.osc = append(p.osc, b)
}

func (p *parser) dispatchOSC() {
	if p.oscOverflow {
		return
	}
	cmd, text, ok := strings.Cut(string(p.osc), ";")
	if !ok {
		return
	}
	n, err := strconv.Atoi(cmd)
	if err != nil {
		return
	}
	switch n {
	case 0, 2:
		p.s.title = strings.ToValidUTF8(text, string(utf8.RuneError))
	}
}
