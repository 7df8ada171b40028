package terminal

import (
	"strings"
)

// ColorKind says how a Color is specified.
type ColorKind uint8

const (
	ColorDefault ColorKind = iota
	ColorIndexed
	ColorRGB
)

// Color is a foreground or background color.
type Color struct {
	Kind    ColorKind
	Index   uint8
	R, G, B uint8
}

// Indexed returns a palette color (0-255).
func Indexed(i uint8) Color {
	return Color{Kind: ColorIndexed, Index: i}
}

// RGB returns a 24-bit color.
func RGB(r, g, b uint8) Color {
	return Color{Kind: ColorRGB, R: r, G: g, B: b}
}

// Attr is a set of cell rendition flags.
type Attr uint16

const (
	AttrBold Attr = 1 << iota
	AttrDim
	AttrItalic
	AttrUnderline
	AttrBlink
	AttrInverse
	AttrHidden
	AttrStrike
)

// Cell is one grid position. A wide rune occupies its cell with Width 2 and
// the cell to its right with Width 0 and no rune.
type Cell struct {
	Ch    rune
	Width uint8
	Fg    Color
	Bg    Color
	Attr  Attr
}

// Blank is an empty cell with default colors.
var Blank = Cell{Ch: ' ', Width: 1}

// Cursor is the cursor position, zero-based.
type Cursor struct {
	Col     int
	Row     int
	Visible bool
}

// Grid is an immutable copy of the visible screen.
type Grid struct {
	Cols      int
	Rows      int
	Cells     [][]Cell
	Cursor    Cursor
	Title     string
	AltScreen bool

	// ScrollbackLen is the number of lines in scrollback when the
	// snapshot was taken.
	ScrollbackLen int
}

// Line returns row as text with trailing blanks removed.
func (g Grid) Line(row int) string {
	if row < 0 || row >= len(g.Cells) {
		return ""
	}
	return LineText(g.Cells[row])
}

// Text returns all rows joined with newlines.
func (g Grid) Text() string {
	lines := make([]string, len(g.Cells))
	for i := range g.Cells {
		lines[i] = LineText(g.Cells[i])
	}
	return strings.Join(lines, "\n")
}

// LineText renders cells as text with trailing blanks removed.
func LineText(cells []Cell) string {
	var b strings.Builder
	for _, c := range cells {
		if c.Width == 0 {
			continue
		}
		if c.Ch == 0 {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(c.Ch)
	}
	return strings.TrimRight(b.String(), " ")
}

func blankLine(cols int, bg Color) []Cell {
	line := make([]Cell, cols)
	fill(line, bg)
	return line
}

func fill(cells []Cell, bg Color) {
	for i := range cells {
		cells[i] = Cell{Ch: ' ', Width: 1, Bg: bg}
	}
}

func copyLines(lines [][]Cell) [][]Cell {
	out := make([][]Cell, len(lines))
	for i, l := range lines {
		out[i] = append([]Cell(nil), l...)
	}
	return out
}
