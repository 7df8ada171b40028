package terminal

import (
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleStream exercises most of the parser: text, wide runes, SGR, cursor
// movement, scrolling, OSC, ignored strings and the alternate screen.
const sampleStream = "\x1b]0;demo title\x07" +
	"plain text\r\n" +
	"\x1b[1;31mred bold\x1b[0m \x1b[38;5;208morange\x1b[39m \x1b[48;2;10;20;30mrgb\x1b[49m\r\n" +
	"日本語 and caf\xc3\xa9\r\n" +
	"\x1b[5;5Hmoved\x1b[2A\x1b[3Cup\x1b[K\r\n" +
	"\x1bP1$tignored dcs\x1b\\" +
	"\x1b[?25l\x1b[?25h" +
	"line\r\nline\r\nline\r\nline\r\nline\r\nline\r\nline\r\n" +
	"\x1b[2;4r\x1b[4;1H\nscrolled\x1b[r" +
	"\x1b[?1049halt screen\x1b[?1049l" +
	"tab\tstop\x1b[1;1H\x1b[2@\x1b[3P\x1b[2X" +
	"\x1b7\x1b[10;10Hsaved\x1b8restored" +
	"\x1b[3;1H\x1b[L\x1b[M\x1b[S\x1b[T" +
	"\x1b]2;second\x1b\\end"

func feedChunks(b *Bridge, data []byte, sizes []int) {
	for len(data) > 0 {
		n := len(data)
		if len(sizes) > 0 {
			n = min(sizes[0], len(data))
			sizes = sizes[1:]
		}
		b.Feed(data[:n])
		data = data[n:]
	}
}

func TestChunkingInvariance(t *testing.T) {
	t.Parallel()

	data := []byte(sampleStream)
	whole := New(40, 10, 100)
	whole.Feed(data)
	want := whole.Snapshot()
	wantScrollback := whole.Scrollback()

	check := func(t *testing.T, b *Bridge) {
		t.Helper()
		assert.Equal(t, want, b.Snapshot())
		assert.Equal(t, wantScrollback, b.Scrollback())
	}

	t.Run("byte at a time", func(t *testing.T) {
		t.Parallel()

		b := New(40, 10, 100)
		for i := range data {
			b.Feed(data[i : i+1])
		}
		check(t, b)
	})

	t.Run("every split point", func(t *testing.T) {
		t.Parallel()

		for i := 1; i < len(data); i++ {
			b := New(40, 10, 100)
			b.Feed(data[:i])
			b.Feed(data[i:])
			if !assert.Equal(t, want, b.Snapshot(), "split at %d", i) {
				return
			}
		}
	})

	t.Run("random chunks", func(t *testing.T) {
		t.Parallel()

		rng := rand.New(rand.NewPCG(1, 2))
		for range 50 {
			var sizes []int
			for range 100 {
				sizes = append(sizes, 1+rng.IntN(7))
			}
			b := New(40, 10, 100)
			feedChunks(b, data, sizes)
			check(t, b)
		}
	})
}

func TestPrintAndNewline(t *testing.T) {
	t.Parallel()

	b := New(20, 3, 10)
	b.Feed([]byte("hello\r\nworld"))

	g := b.Snapshot()
	assert.Equal(t, "hello", g.Line(0))
	assert.Equal(t, "world", g.Line(1))
	assert.Equal(t, Cursor{Col: 5, Row: 1, Visible: true}, g.Cursor)
	assert.Equal(t, 20, g.Cols)
	assert.Equal(t, 3, g.Rows)
}

func TestAutowrap(t *testing.T) {
	t.Parallel()

	b := New(5, 3, 10)
	b.Feed([]byte("abcdefg"))
	g := b.Snapshot()
	assert.Equal(t, "abcde", g.Line(0))
	assert.Equal(t, "fg", g.Line(1))

	// A full line followed by CRLF does not leave an empty line.
	b = New(5, 3, 10)
	b.Feed([]byte("abcde\r\nx"))
	g = b.Snapshot()
	assert.Equal(t, "abcde", g.Line(0))
	assert.Equal(t, "x", g.Line(1))

	b = New(5, 3, 10)
	b.Feed([]byte("\x1b[?7labcdefg"))
	g = b.Snapshot()
	assert.Equal(t, "abcdg", g.Line(0))
	assert.Equal(t, "", g.Line(1))
}

func TestSGR(t *testing.T) {
	t.Parallel()

	b := New(10, 1, 0)
	b.Feed([]byte("\x1b[1;31mR\x1b[38;5;200mX\x1b[48;2;1;2;3mY\x1b[0mZ\x1b[4;7;94;103mU\x1b[24;27mV"))

	row := b.Snapshot().Cells[0]
	assert.Equal(t, Cell{Ch: 'R', Width: 1, Fg: Indexed(1), Attr: AttrBold}, row[0])
	assert.Equal(t, Cell{Ch: 'X', Width: 1, Fg: Indexed(200), Attr: AttrBold}, row[1])
	assert.Equal(t, Cell{Ch: 'Y', Width: 1, Fg: Indexed(200), Bg: RGB(1, 2, 3), Attr: AttrBold}, row[2])
	assert.Equal(t, Cell{Ch: 'Z', Width: 1}, row[3])
	assert.Equal(t, Cell{Ch: 'U', Width: 1, Fg: Indexed(12), Bg: Indexed(11), Attr: AttrUnderline | AttrInverse}, row[4])
	assert.Equal(t, Cell{Ch: 'V', Width: 1, Fg: Indexed(12), Bg: Indexed(11)}, row[5])
}

func TestSGRTruncatedExtendedColor(t *testing.T) {
	t.Parallel()

	b := New(10, 1, 0)
	b.Feed([]byte("\x1b[31m\x1b[38;2;1mA\x1b[48;5mB"))

	row := b.Snapshot().Cells[0]
	assert.Equal(t, Indexed(1), row[0].Fg)
	assert.Equal(t, Color{}, row[1].Bg)
}

func TestWideRunes(t *testing.T) {
	t.Parallel()

	b := New(10, 2, 0)
	b.Feed([]byte("日本x"))

	g := b.Snapshot()
	row := g.Cells[0]
	assert.Equal(t, uint8(2), row[0].Width)
	assert.Equal(t, uint8(0), row[1].Width)
	assert.Equal(t, '本', row[2].Ch)
	assert.Equal(t, 'x', row[4].Ch)
	assert.Equal(t, "日本x", g.Line(0))
	assert.Equal(t, 5, g.Cursor.Col)

	// Overwriting half of a wide rune blanks the other half.
	b.Feed([]byte("\x1b[1;2Hz"))
	g = b.Snapshot()
	assert.Equal(t, " z本x", g.Line(0))

	// A wide rune that does not fit wraps.
	b = New(3, 2, 0)
	b.Feed([]byte("ab日"))
	g = b.Snapshot()
	assert.Equal(t, "ab", g.Line(0))
	assert.Equal(t, "日", g.Line(1))
}

func TestUTF8SplitAcrossFeeds(t *testing.T) {
	t.Parallel()

	b := New(10, 1, 0)
	euro := []byte("€")
	for _, c := range euro {
		b.Feed([]byte{c})
	}
	assert.Equal(t, "€", b.Snapshot().Line(0))

	// Invalid bytes become replacement characters and do not desync.
	b = New(10, 1, 0)
	b.Feed([]byte{0xff, 'a', 0xe2, 0x82, 'b'})
	assert.Equal(t, "�a�b", b.Snapshot().Line(0))
}

func TestMalformedInputNeverPanics(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(7, 11))
	alphabet := []byte("\x1b[]0123456789;:?<>=!$#( mHJKABCDhlrstu\x07\x18\x1a\x9b\xc3\xa9\xe6\x97\xa5\r\n\b\tPX^_\\")

	for range 200 {
		b := New(1+rng.IntN(30), 1+rng.IntN(10), rng.IntN(20))
		buf := make([]byte, 500)
		for i := range buf {
			if rng.IntN(4) == 0 {
				buf[i] = byte(rng.IntN(256))
			} else {
				buf[i] = alphabet[rng.IntN(len(alphabet))]
			}
		}
		require.NotPanics(t, func() {
			feedChunks(b, buf, []int{rng.IntN(50) + 1, rng.IntN(50) + 1, rng.IntN(50) + 1})
			b.Resize(1+rng.IntN(30), 1+rng.IntN(10))
			b.Feed(buf[:rng.IntN(len(buf))])
			_ = b.Snapshot()
			_ = b.Diff()
		})

		cols, _ := b.Size()
		if cols < 3 {
			continue
		}
		b.Feed([]byte("\x18\x1bcok"))
		g := b.Snapshot()
		require.Equal(t, "ok", g.Line(0))
		require.Equal(t, 2, g.Cursor.Col)
	}
}

func TestCancelAbortsSequence(t *testing.T) {
	t.Parallel()

	b := New(10, 2, 0)
	b.Feed([]byte("\x1b[12;"))
	b.Feed([]byte("\x18hi"))
	assert.Equal(t, "hi", b.Snapshot().Line(0))

	b = New(10, 2, 0)
	b.Feed([]byte("\x1b[?999;5zok\x1b[99999999999999Hx"))
	g := b.Snapshot()
	assert.Equal(t, "ok", g.Line(0))
	assert.Equal(t, "x", g.Line(1))
}

func TestOSCTitle(t *testing.T) {
	t.Parallel()

	b := New(10, 1, 0)
	b.Feed([]byte("\x1b]0;my ti"))
	b.Feed([]byte("tle\x07"))
	assert.Equal(t, "my title", b.Title())

	b.Feed([]byte("\x1b]2;other\x1b"))
	b.Feed([]byte("\\x"))
	assert.Equal(t, "other", b.Title())
	assert.Equal(t, "x", b.Snapshot().Line(0))

	b.Feed([]byte("\x1b]0;" + strings.Repeat("a", maxOSC+10) + "\x07"))
	assert.Equal(t, "other", b.Title(), "oversized OSC is dropped")

	b.Feed([]byte("\x1b]52;c;Zm9v\x07"))
	assert.Equal(t, "other", b.Title())
}

func TestScrollback(t *testing.T) {
	t.Parallel()

	b := New(10, 3, 100)
	b.Feed([]byte("1\r\n2\r\n3\r\n4\r\n5"))

	g := b.Snapshot()
	assert.Equal(t, "3\n4\n5", g.Text())
	assert.Equal(t, 2, g.ScrollbackLen)
	assert.Equal(t, []string{"1", "2"}, scrollbackText(b))
}

func TestScrollbackEvictsOldest(t *testing.T) {
	t.Parallel()

	b := New(10, 3, 2)
	b.Feed([]byte("1\r\n2\r\n3\r\n4\r\n5\r\n6"))
	assert.Equal(t, []string{"2", "3"}, scrollbackText(b))
}

func TestAltScreenDoesNotScrollBack(t *testing.T) {
	t.Parallel()

	b := New(20, 3, 100)
	b.Feed([]byte("main"))
	b.Feed([]byte("\x1b[?1049h"))

	g := b.Snapshot()
	assert.True(t, g.AltScreen)
	assert.Equal(t, "\n\n", g.Text())

	b.Feed([]byte("alt\r\n1\r\n2\r\n3\r\n4"))
	assert.Empty(t, b.Scrollback())

	b.Feed([]byte("\x1b[?1049l"))
	g = b.Snapshot()
	assert.False(t, g.AltScreen)
	assert.Equal(t, "main", g.Line(0))
	assert.Equal(t, Cursor{Col: 4, Row: 0, Visible: true}, g.Cursor)
}

func TestEditing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"erase to end of line", "hello\x1b[1;3H\x1b[K", "he"},
		{"erase to start of line", "hello\x1b[1;3H\x1b[1K", "   lo"},
		{"erase line", "hello\x1b[2K", ""},
		{"delete chars", "abcdef\x1b[1;2H\x1b[2P", "adef"},
		{"insert chars", "abcdef\x1b[1;2H\x1b[2@", "a  bcdef"},
		{"erase chars", "abcdef\x1b[1;2H\x1b[2X", "a  def"},
		{"insert mode", "abc\x1b[1;2H\x1b[4hX\x1b[4l", "aXbc"},
		{"backspace", "abc\b\bX", "aXc"},
		{"tab", "a\tb", "a       b"},
		{"back tab", "a\tb\x1b[Zc", "a       c"},
		{"cursor column", "abc\x1b[2GX", "aXc"},
		{"erase display", "abc\x1b[2J", ""},
		{"alignment", "\x1b#8", "EEEEEEEEEE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := New(10, 2, 0)
			b.Feed([]byte(tt.input))
			assert.Equal(t, tt.want, b.Snapshot().Line(0))
		})
	}
}

func TestCursorMovement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  Cursor
	}{
		{"home", "abc\x1b[H", Cursor{0, 0, true}},
		{"cup", "\x1b[3;4H", Cursor{3, 2, true}},
		{"cup clamps", "\x1b[99;99H", Cursor{9, 4, true}},
		{"up clamps", "\x1b[2;1H\x1b[5A", Cursor{0, 0, true}},
		{"down", "\x1b[2B", Cursor{0, 2, true}},
		{"forward clamps", "\x1b[50C", Cursor{9, 0, true}},
		{"back", "abc\x1b[2D", Cursor{1, 0, true}},
		{"next line", "ab\x1b[2E", Cursor{0, 2, true}},
		{"previous line", "\x1b[4;5H\x1b[F", Cursor{0, 2, true}},
		{"vpa", "ab\x1b[4d", Cursor{2, 3, true}},
		{"save restore", "\x1b[2;3H\x1b[s\x1b[H\x1b[u", Cursor{2, 1, true}},
		{"hidden", "\x1b[?25l", Cursor{0, 0, false}},
		{"origin mode", "\x1b[2;4r\x1b[?6h\x1b[1;1H", Cursor{0, 1, true}},
		{"origin mode clamps", "\x1b[2;4r\x1b[?6h\x1b[9;1H", Cursor{0, 3, true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := New(10, 5, 0)
			b.Feed([]byte(tt.input))
			assert.Equal(t, tt.want, b.Snapshot().Cursor)
		})
	}
}

func TestScrollRegion(t *testing.T) {
	t.Parallel()

	b := New(10, 5, 100)
	b.Feed([]byte("\x1b[1;1H1\x1b[2;1H2\x1b[3;1H3\x1b[4;1H4\x1b[5;1H5"))
	b.Feed([]byte("\x1b[2;4r\x1b[4;1H\n"))

	assert.Equal(t, "1\n3\n4\n\n5", b.Snapshot().Text())
	assert.Empty(t, b.Scrollback(), "lines scrolled inside a region are not saved")

	b.Feed([]byte("\x1b[2;1H\x1bM"))
	assert.Equal(t, "1\n\n3\n4\n5", b.Snapshot().Text())
}

func TestInsertDeleteLines(t *testing.T) {
	t.Parallel()

	b := New(10, 4, 100)
	b.Feed([]byte("a\r\nb\r\nc\r\nd\x1b[2;1H\x1b[L"))
	assert.Equal(t, "a\n\nb\nc", b.Snapshot().Text())

	b.Feed([]byte("\x1b[2M"))
	assert.Equal(t, "a\nc\n\n", b.Snapshot().Text())
	assert.Empty(t, b.Scrollback())
}

func TestResizeShrinkMovesRowsToScrollback(t *testing.T) {
	t.Parallel()

	b := New(10, 4, 100)
	b.Feed([]byte("a\r\nb\r\nc\r\nd"))

	b.Resize(10, 2)
	g := b.Snapshot()
	assert.Equal(t, "c\nd", g.Text())
	assert.Equal(t, Cursor{Col: 1, Row: 1, Visible: true}, g.Cursor)
	assert.Equal(t, []string{"a", "b"}, scrollbackText(b))

	b.Resize(10, 4)
	g = b.Snapshot()
	assert.Equal(t, "c\nd\n\n", g.Text())
	assert.Equal(t, []string{"a", "b"}, scrollbackText(b))
}

func TestResizeDropsBlankRowsFirst(t *testing.T) {
	t.Parallel()

	b := New(10, 4, 100)
	b.Feed([]byte("top"))
	b.Resize(10, 2)

	g := b.Snapshot()
	assert.Equal(t, "top\n", g.Text())
	assert.Empty(t, b.Scrollback())
}

func TestResizeColumns(t *testing.T) {
	t.Parallel()

	b := New(10, 2, 100)
	b.Feed([]byte("abcdefgh"))
	b.Resize(5, 2)

	g := b.Snapshot()
	assert.Equal(t, "abcde", g.Line(0))
	assert.Equal(t, Cursor{Col: 4, Row: 0, Visible: true}, g.Cursor)
	for _, row := range g.Cells {
		assert.Len(t, row, 5)
	}

	b.Resize(8, 2)
	assert.Equal(t, "abcde", b.Snapshot().Line(0))

	b = New(4, 1, 0)
	b.Feed([]byte("ab日"))
	b.Resize(3, 1)
	assert.Equal(t, "ab", b.Snapshot().Line(0))
}

func TestResizeInvariants(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(3, 5))
	b := New(20, 6, 1<<20)
	for i := range 300 {
		b.Feed([]byte(strings.Repeat("x", rng.IntN(30)) + "\r\n"))
		if i%5 != 0 {
			continue
		}

		before := b.Scrollback()
		cols, rows := 1+rng.IntN(40), 1+rng.IntN(12)
		b.Resize(cols, rows)

		after := b.Scrollback()
		require.GreaterOrEqual(t, len(after), len(before))
		require.Equal(t, before, after[:len(before)], "resize must not drop scrollback")

		g := b.Snapshot()
		require.Equal(t, cols, g.Cols)
		require.Equal(t, rows, g.Rows)
		require.Len(t, g.Cells, rows)
		require.GreaterOrEqual(t, g.Cursor.Col, 0)
		require.Less(t, g.Cursor.Col, cols)
		require.GreaterOrEqual(t, g.Cursor.Row, 0)
		require.Less(t, g.Cursor.Row, rows)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	b := New(10, 3, 0)
	d := b.Diff()
	assert.True(t, d.Full)
	assert.Len(t, d.Lines, 3)
	assert.False(t, b.Dirty())

	b.Feed([]byte("\x1b[2;1Hx"))
	assert.True(t, b.Dirty())
	d = b.Diff()
	assert.False(t, d.Full)
	require.Len(t, d.Lines, 1)
	assert.Equal(t, 1, d.Lines[0].Row)
	assert.Equal(t, "x", LineText(d.Lines[0].Cells))
	assert.Equal(t, Cursor{Col: 1, Row: 1, Visible: true}, d.Cursor)

	assert.True(t, b.Diff().Empty())

	b.Feed([]byte("\x1b[H"))
	assert.True(t, b.Dirty(), "cursor movement is a change")
	assert.True(t, b.Diff().Empty())

	b.Resize(12, 3)
	d = b.Diff()
	assert.True(t, d.Full)
	assert.Equal(t, 12, d.Cols)
	assert.Greater(t, d.Seq, uint64(1))
}

func TestSearch(t *testing.T) {
	t.Parallel()

	b := New(20, 2, 100)
	b.Feed([]byte("Hello world\r\nfoo\r\nsay hello again"))

	assert.Equal(t, []Match{{Line: 0, Col: 0, Len: 5}, {Line: 2, Col: 4, Len: 5}}, b.Search("hello", false))
	assert.Equal(t, []Match{{Line: 2, Col: 4, Len: 5}}, b.Search("hello", true))
	assert.Nil(t, b.Search("", false))

	b = New(20, 1, 0)
	b.Feed([]byte("日本語"))
	assert.Equal(t, []Match{{Line: 0, Col: 2, Len: 4}}, b.Search("本語", true))
}

func TestClear(t *testing.T) {
	t.Parallel()

	b := New(10, 2, 100)
	b.Feed([]byte("a\r\nb\r\nc"))
	require.NotEmpty(t, b.Scrollback())

	b.Clear()
	g := b.Snapshot()
	assert.Equal(t, "\n", g.Text())
	assert.Equal(t, Cursor{Col: 0, Row: 0, Visible: true}, g.Cursor)
	assert.Empty(t, b.Scrollback())
}

func TestEraseScrollback(t *testing.T) {
	t.Parallel()

	b := New(10, 2, 100)
	b.Feed([]byte("a\r\nb\r\nc\x1b[3J"))
	assert.Empty(t, b.Scrollback())
	assert.Equal(t, "b\nc", b.Snapshot().Text())
}

func TestConcurrentReaders(t *testing.T) {
	t.Parallel()

	b := New(40, 10, 100)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Go(func() {
			for {
				select {
				case <-stop:
					return
				default:
					_ = b.Snapshot()
					_ = b.Dirty()
					_ = b.Search("line", false)
				}
			}
		})
	}

	for range 200 {
		_, _ = b.Write([]byte(sampleStream))
	}
	close(stop)
	wg.Wait()
}

func scrollbackText(b *Bridge) []string {
	var out []string
	for _, l := range b.Scrollback() {
		out = append(out, LineText(l))
	}
	return out
}
