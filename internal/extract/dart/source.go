package dart

import (
	"fmt"
	"sort"
)

// source is a Dart file prepared for pattern matching. text has comments
// blanked out; mask additionally blanks string bodies so structural
// matching never sees braces inside literals. Both keep the original
// offsets and newlines.
type source struct {
	text  []byte
	mask  []byte
	lines []int
}

func isIdent(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func blank(b []byte, from, to int) {
	for i := from; i < to && i < len(b); i++ {
		if b[i] != '\n' {
			b[i] = ' '
		}
	}
}

// scan lexes content and fails on unterminated literals, unterminated
// comments or unbalanced braces.
func scan(content []byte) (*source, error) {
	n := len(content)
	s := &source{
		text:  make([]byte, n),
		mask:  make([]byte, n),
		lines: []int{0},
	}
	copy(s.text, content)
	copy(s.mask, content)
	for i, c := range content {
		if c == '\n' {
			s.lines = append(s.lines, i+1)
		}
	}

	depth := 0
	i := 0
	for i < n {
		c := content[i]
		switch {
		case c == '/' && i+1 < n && content[i+1] == '/':
			j := i
			for j < n && content[j] != '\n' {
				j++
			}
			blank(s.text, i, j)
			blank(s.mask, i, j)
			i = j

		case c == '/' && i+1 < n && content[i+1] == '*':
			j, nest := i+2, 1
			for j < n && nest > 0 {
				if content[j] == '/' && j+1 < n && content[j+1] == '*' {
					nest++
					j += 2
					continue
				}
				if content[j] == '*' && j+1 < n && content[j+1] == '/' {
					nest--
					j += 2
					continue
				}
				j++
			}
			if nest > 0 {
				return nil, fmt.Errorf("unterminated block comment at line %d", s.line(i))
			}
			blank(s.text, i, j)
			blank(s.mask, i, j)
			i = j

		case c == '\'' || c == '"':
			raw := i > 0 && content[i-1] == 'r' && (i < 2 || !isIdent(content[i-2]))
			end, err := s.skipString(content, i, raw)
			if err != nil {
				return nil, err
			}
			i = end

		case c == '{':
			depth++
			i++

		case c == '}':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced '}' at line %d", s.line(i))
			}
			i++

		default:
			i++
		}
	}

	if depth != 0 {
		return nil, fmt.Errorf("unbalanced braces: %d left open", depth)
	}
	return s, nil
}

// skipString consumes a string literal starting at start and returns the
// offset just past it. Interpolations may hold nested literals.
func (s *source) skipString(content []byte, start int, raw bool) (int, error) {
	n := len(content)
	q := content[start]
	triple := start+2 < n && content[start+1] == q && content[start+2] == q
	open := 1
	if triple {
		open = 3
	}

	i := start + open
	for i < n {
		c := content[i]
		if !triple && c == '\n' {
			return 0, fmt.Errorf("unterminated string at line %d", s.line(start))
		}
		if c == '\\' && !raw {
			i += 2
			continue
		}
		if c == '$' && !raw && i+1 < n && content[i+1] == '{' {
			j, err := s.skipInterpolation(content, i+2)
			if err != nil {
				return 0, err
			}
			i = j
			continue
		}
		if c == q {
			if !triple {
				blank(s.mask, start+1, i)
				return i + 1, nil
			}
			if i+2 < n && content[i+1] == q && content[i+2] == q {
				blank(s.mask, start+3, i)
				return i + 3, nil
			}
		}
		i++
	}
	return 0, fmt.Errorf("unterminated string at line %d", s.line(start))
}

func (s *source) skipInterpolation(content []byte, i int) (int, error) {
	depth := 1
	for i < len(content) {
		switch c := content[i]; c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, nil
			}
		case '\'', '"':
			end, err := s.skipString(content, i, false)
			if err != nil {
				return 0, err
			}
			i = end
			continue
		}
		i++
	}
	return 0, fmt.Errorf("unterminated interpolation")
}

// line converts an offset to a 1-based line number
func (s *source) line(offset int) int {
	return sort.Search(len(s.lines), func(i int) bool { return s.lines[i] > offset })
}

// matching returns the offset of the bracket closing the one at open,
// scanning the masked text. It returns len-1 when unbalanced.
func (s *source) matching(open int) int {
	var openCh, closeCh byte
	switch s.mask[open] {
	case '{':
		openCh, closeCh = '{', '}'
	case '(':
		openCh, closeCh = '(', ')'
	case '<':
		openCh, closeCh = '<', '>'
	default:
		return open
	}
	depth := 0
	for i := open; i < len(s.mask); i++ {
		switch s.mask[i] {
		case openCh:
			depth++
		case closeCh:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(s.mask) - 1
}
