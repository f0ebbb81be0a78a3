package streaming

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Construct identifies a markdown construct that can span several fragments.
type Construct int

const (
	None Construct = iota
	Header
	Emphasis
	CodeSpan
	Link
	CodeFence
	TableRow
)

func (c Construct) String() string {
	switch c {
	case Header:
		return "header"
	case Emphasis:
		return "emphasis"
	case CodeSpan:
		return "code_span"
	case Link:
		return "link"
	case CodeFence:
		return "code_fence"
	case TableRow:
		return "table_row"
	default:
		return "none"
	}
}

// constructStarters are the first bytes of a fragment that may open a construct.
const constructStarters = "#*_~`[|"

// specialChars are all bytes that take part in construct detection.
const specialChars = "#*_~`[]|"

// headerRe matches an ATX header line that has not been terminated yet.
var headerRe = regexp.MustCompile(`^#{1,6}[^#\n]*$`)

// InProgress reports which construct, if any, is still open in s.
func InProgress(s string) Construct {
	_, kind := findOpen(s)
	return kind
}

// startsConstruct reports whether a fragment on its own begins a construct.
func startsConstruct(token string) bool {
	return token != "" && strings.IndexByte(constructStarters, token[0]) >= 0
}

// findOpen returns the byte offset at which the earliest unfinished construct
// in s begins, and its kind. It returns -1, None when everything in s is
// complete and can be emitted.
//
// This is a heuristic over the text alone, not a CommonMark parser. It errs
// on the side of holding text: a lone "|" in prose keeps the line buffered
// until its newline arrives.
func findOpen(s string) (int, Construct) {
	at, kind := scanInline(s)

	// Header and table rows are line level: only the last, unterminated line
	// can still be in progress.
	lineStart := strings.LastIndexByte(s, '\n') + 1
	last := s[lineStart:]
	lineKind := None
	switch {
	case headerRe.MatchString(last):
		lineKind = Header
	case strings.IndexByte(last, '|') >= 0:
		lineKind = TableRow
	}
	if lineKind != None && (at < 0 || lineStart < at) {
		return lineStart, lineKind
	}
	return at, kind
}

// scanInline walks s left to right and stops at the first opener that has no
// closer. Closed spans are skipped as a unit so markers inside them are not
// considered.
func scanInline(s string) (int, Construct) {
	n := len(s)
	i := 0
	for i < n {
		c := s[i]
		switch c {
		case '\\':
			// Escaped character is literal.
			i += 2

		case '`':
			run := runLength(s, i, c)
			if run >= 3 {
				end := closingFence(s, i+run, run)
				if end < 0 {
					return i, CodeFence
				}
				i = end
				continue
			}
			end, ok := closingCodeSpan(s, i+run, run)
			if !ok {
				return i, CodeSpan
			}
			if end < 0 {
				// Paragraph ended first: the backticks are literal.
				i += run
				continue
			}
			i = end

		case '*', '_', '~':
			run := runLength(s, i, c)
			if !canOpen(s, i, run) {
				i += run
				continue
			}
			end, ok := closingEmphasis(s, i+run, c, run)
			if !ok {
				return i, Emphasis
			}
			if end < 0 {
				i += run
				continue
			}
			i = end

		case '[':
			end, ok := scanLink(s, i)
			if !ok {
				return i, Link
			}
			i = end

		default:
			i++
		}
	}
	return -1, None
}

// runLength counts consecutive c bytes starting at i.
func runLength(s string, i int, c byte) int {
	j := i
	for j < len(s) && s[j] == c {
		j++
	}
	return j - i
}

// closingFence finds a backtick run of at least run bytes at or after from
// and returns the offset just past it, or -1.
func closingFence(s string, from, run int) int {
	for j := from; j < len(s); {
		if s[j] != '`' {
			j++
			continue
		}
		r := runLength(s, j, '`')
		if r >= run {
			return j + r
		}
		j += r
	}
	return -1
}

// paragraphBreak reports whether a blank line starts at j.
func paragraphBreak(s string, j int) bool {
	return s[j] == '\n' && j+1 < len(s) && s[j+1] == '\n'
}

// closingCodeSpan finds a backtick run of exactly run bytes. ok is false when
// the span is still open at the end of s; end is -1 when a blank line ends the
// paragraph before any closer.
func closingCodeSpan(s string, from, run int) (end int, ok bool) {
	for j := from; j < len(s); {
		switch {
		case paragraphBreak(s, j):
			return -1, true
		case s[j] == '`':
			r := runLength(s, j, '`')
			if r == run {
				return j + r, true
			}
			j += r
		default:
			j++
		}
	}
	return 0, false
}

// closingEmphasis finds a run of c with the same length as the opener and at
// least one byte of content in between. Results mirror closingCodeSpan.
func closingEmphasis(s string, from int, c byte, run int) (end int, ok bool) {
	for j := from; j < len(s); {
		switch {
		case s[j] == '\\':
			j += 2
		case paragraphBreak(s, j):
			return -1, true
		case s[j] == c:
			r := runLength(s, j, c)
			if r == run && j > from {
				return j + r, true
			}
			j += r
		default:
			j++
		}
	}
	return 0, false
}

// canOpen applies a loose version of the CommonMark flanking rules so that
// list bullets, "2 * 3" and snake_case words do not hold the stream.
func canOpen(s string, i, run int) bool {
	c := s[i]
	if c == '~' && run < 2 {
		return false
	}
	after := i + run
	if after >= len(s) {
		// Nothing follows yet; it may still become an opener.
		return true
	}
	next, _ := utf8.DecodeRuneInString(s[after:])
	if unicode.IsSpace(next) {
		return false
	}
	if c == '_' && i > 0 {
		prev, _ := utf8.DecodeLastRuneInString(s[:i])
		if unicode.IsLetter(prev) || unicode.IsDigit(prev) {
			return false
		}
	}
	return true
}

// scanLink inspects a "[" at i. ok is false while the link may still be
// forming. Otherwise end is where scanning should resume: past the whole
// "[text](url)" for a finished link, or just past the "[" when the brackets
// turned out not to be a link.
func scanLink(s string, i int) (end int, ok bool) {
	n := len(s)
	depth := 0
	for j := i; j < n; j++ {
		switch {
		case s[j] == '\\':
			j++
		case paragraphBreak(s, j):
			return i + 1, true
		case s[j] == '[':
			depth++
		case s[j] == ']':
			depth--
			if depth > 0 {
				continue
			}
			k := j + 1
			if k == n {
				// "[text]" may still be followed by "(".
				return 0, false
			}
			if s[k] != '(' {
				return i + 1, true
			}
			parens := 0
			for m := k; m < n; m++ {
				switch s[m] {
				case '\\':
					m++
				case '(':
					parens++
				case ')':
					parens--
					if parens == 0 {
						return m + 1, true
					}
				case '\n':
					if m+1 < n && s[m+1] == '\n' {
						return i + 1, true
					}
				}
			}
			return 0, false
		}
	}
	return 0, false
}
