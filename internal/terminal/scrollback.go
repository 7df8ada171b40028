package terminal

// scrollback is a bounded FIFO of lines. Pushing onto a full ring evicts the
// oldest line.
type scrollback struct {
	lines [][]Cell
	start int
	limit int
}

func newScrollback(limit int) *scrollback {
	if limit < 0 {
		limit = 0
	}
	return &scrollback{limit: limit}
}

func (s *scrollback) push(line []Cell) {
	if s.limit == 0 {
		return
	}
	if len(s.lines) < s.limit {
		s.lines = append(s.lines, line)
		return
	}
	s.lines[s.start] = line
	s.start = (s.start + 1) % s.limit
}

func (s *scrollback) len() int {
	return len(s.lines)
}

// at returns line i, oldest first.
func (s *scrollback) at(i int) []Cell {
	return s.lines[(s.start+i)%len(s.lines)]
}

func (s *scrollback) clear() {
	s.lines = nil
	s.start = 0
}
