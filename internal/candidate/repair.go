package candidate

import (
	"encoding/json"
	"errors"
	"strings"
)

var literalRewrites = map[string]string{
	"true":      "true",
	"false":     "false",
	"null":      "null",
	"True":      "true",
	"False":     "false",
	"None":      "null",
	"undefined": "null",
	"NaN":       "null",
	"Infinity":  "null",
}

// truncatedLiterals are completed when output ends partway through one.
var truncatedLiterals = []string{"true", "false", "null"}

// smartQuotes are typographic quote marks accepted as string delimiters.
var smartQuotes = []string{"\u201c", "\u201d", "\u2018", "\u2019"}

type cutPoint struct {
	pos   int
	stack string
}

type repairer struct {
	out     []byte
	stack   []byte
	cuts    []cutPoint
	started bool
}

// Repair rewrites near-valid JSON into valid JSON. It handles the defects
// models commonly emit: surrounding prose, comments, trailing commas, missing
// commas between adjacent values, single-quoted or unquoted strings, Python and
// JavaScript literals, raw control characters inside strings, and truncated
// output (unterminated strings, cut-off literals and numbers, unclosed
// containers). Quotes inside a string that are not followed by a delimiter
// are kept as content, and typographic quotes may delimit strings. The result is
// deterministic: well-formed input is returned semantically unchanged.
func Repair(input string) (string, error) {
	start := strings.IndexAny(input, "{[")
	if start < 0 {
		return "", errors.New("repair: no JSON object or array found")
	}
	r := &repairer{out: make([]byte, 0, len(input)+16)}
	r.scan(input[start:])
	return r.finish()
}

func (r *repairer) scan(s string) {
	for i := 0; i < len(s); {
		if r.started && len(r.stack) == 0 {
			return
		}
		c := s[i]
		switch {
		case c == '"' || c == '\'':
			r.separateValue()
			i = r.readString(s, i, 1)
		case smartQuoteLen(s, i) > 0:
			r.separateValue()
			i = r.readString(s, i, smartQuoteLen(s, i))
		case c == '{' || c == '[':
			r.separateValue()
			r.started = true
			r.out = append(r.out, c)
			if c == '{' {
				r.stack = append(r.stack, '}')
			} else {
				r.stack = append(r.stack, ']')
			}
			i++
		case c == '}' || c == ']':
			r.close(c)
			i++
		case c == ',':
			r.trimTrailingComma()
			if last, ok := r.lastSignificant(); ok && last != '{' && last != '[' {
				r.out = append(r.out, ',')
				r.cuts = append(r.cuts, cutPoint{pos: len(r.out) - 1, stack: string(r.stack)})
			}
			i++
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				i = len(s)
			} else {
				i += end + 4
			}
		case isIdentStart(c):
			j := i
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			word := s[i:j]
			if j == len(s) {
				word = completeLiteral(word)
			}
			r.separateValue()
			if literal, ok := literalRewrites[word]; ok {
				r.out = append(r.out, literal...)
			} else {
				quoted, _ := json.Marshal(word)
				r.out = append(r.out, quoted...)
			}
			i = j
		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(s) && isNumberPart(s[j]) {
				j++
			}
			r.separateValue()
			r.out = append(r.out, normalizeNumber(s[i:j])...)
			i = j
		default:
			r.out = append(r.out, c)
			i++
		}
	}
}

// readString copies a string literal opened by the quoteLen-byte quote at
// s[i], normalizing the delimiter and escaping raw control characters. A
// matching quote only closes the string when a delimiter or the end of input
// follows it; otherwise it is kept as an escaped inner quote. It returns the
// index after the closing quote, or len(s) when the string is unterminated.
func (r *repairer) readString(s string, i, quoteLen int) int {
	smart := quoteLen > 1
	quote := s[i]
	r.out = append(r.out, '"')
	i += quoteLen
	// The first quote kept as content; if the string then runs to the end of
	// input, it is closed there instead.
	skippedAt, skippedOut, skippedLen := -1, 0, 0
	for i < len(s) {
		c := s[i]
		closerLen := 0
		switch {
		case smart:
			if c == '"' {
				closerLen = 1
			} else {
				closerLen = smartQuoteLen(s, i)
			}
		case c == quote:
			closerLen = 1
		}
		if closerLen > 0 {
			if closesString(s, i+closerLen) {
				r.out = append(r.out, '"')
				return i + closerLen
			}
			if skippedAt < 0 {
				skippedAt, skippedOut, skippedLen = i, len(r.out), closerLen
			}
		}

		switch {
		case c == '\\':
			if i+1 >= len(s) {
				return len(s)
			}
			next := s[i+1]
			if next == '\'' {
				r.out = append(r.out, '\'')
			} else if strings.IndexByte(`"\/bfnrtu`, next) >= 0 {
				r.out = append(r.out, c, next)
			} else {
				r.out = append(r.out, '\\', '\\', next)
			}
			i += 2
			continue
		case c == '"':
			r.out = append(r.out, '\\', '"')
		case c == '\n':
			r.out = append(r.out, '\\', 'n')
		case c == '\r':
			r.out = append(r.out, '\\', 'r')
		case c == '\t':
			r.out = append(r.out, '\\', 't')
		case c < 0x20:
		default:
			r.out = append(r.out, c)
		}
		i++
	}
	if skippedAt >= 0 {
		r.out = append(r.out[:skippedOut], '"')
		return skippedAt + skippedLen
	}
	r.out = append(r.out, '"')
	return i
}

// closesString reports whether a quote ending just before s[i] terminates
// its string: only whitespace, then a structural delimiter, another string,
// or the end of input may follow.
func closesString(s string, i int) bool {
	for i < len(s) {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		case ',', ':', '}', ']', '"', '\'':
			return true
		}
		return smartQuoteLen(s, i) > 0
	}
	return true
}

func smartQuoteLen(s string, i int) int {
	for _, q := range smartQuotes {
		if strings.HasPrefix(s[i:], q) {
			return len(q)
		}
	}
	return 0
}

// completeLiteral finishes a literal cut off at the end of input.
func completeLiteral(word string) string {
	for _, literal := range truncatedLiterals {
		if word != literal && strings.HasPrefix(literal, word) {
			return literal
		}
	}
	return word
}

// normalizeNumber drops a dangling fraction dot or exponent, as in "1." or
// "2e". A lone sign becomes null.
func normalizeNumber(num string) string {
	num = strings.TrimRight(num, ".eE+-")
	if num == "" {
		return "null"
	}
	return num
}

// separateValue inserts a comma when a new value starts directly after a
// completed one inside an array or object.
func (r *repairer) separateValue() {
	if len(r.stack) == 0 {
		return
	}
	last, ok := r.lastSignificant()
	if !ok {
		return
	}
	switch last {
	case ':', ',', '[', '{':
		return
	}
	r.out = append(r.out, ',')
	r.cuts = append(r.cuts, cutPoint{pos: len(r.out) - 1, stack: string(r.stack)})
}

func (r *repairer) close(c byte) {
	if len(r.stack) == 0 {
		return
	}
	idx := strings.LastIndexByte(string(r.stack), c)
	if idx < 0 {
		return
	}
	r.trimTrailingComma()
	for len(r.stack) > idx {
		closer := r.stack[len(r.stack)-1]
		r.dropDanglingColon()
		r.out = append(r.out, closer)
		r.stack = r.stack[:len(r.stack)-1]
	}
}

func (r *repairer) finish() (string, error) {
	if !r.started {
		return "", errors.New("repair: no JSON object or array found")
	}
	candidate := closeDangling(r.out, r.stack)
	if json.Valid(candidate) {
		return string(candidate), nil
	}
	for k := len(r.cuts) - 1; k >= 0; k-- {
		cut := r.cuts[k]
		if cut.pos >= len(r.out) {
			continue
		}
		candidate = closeDangling(r.out[:cut.pos], []byte(cut.stack))
		if json.Valid(candidate) {
			return string(candidate), nil
		}
	}
	return "", errors.New("repair: output is not valid JSON after repair")
}

func closeDangling(out []byte, stack []byte) []byte {
	buf := append([]byte(nil), out...)
	buf = trimSpace(buf)
	for len(buf) > 0 && buf[len(buf)-1] == ',' {
		buf = trimSpace(buf[:len(buf)-1])
	}
	if len(buf) > 0 && buf[len(buf)-1] == ':' {
		buf = append(buf, "null"...)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		buf = trimSpace(buf)
		for len(buf) > 0 && buf[len(buf)-1] == ',' {
			buf = trimSpace(buf[:len(buf)-1])
		}
		buf = append(buf, stack[i])
	}
	return buf
}

func (r *repairer) trimTrailingComma() {
	r.out = trimSpace(r.out)
	for len(r.out) > 0 && r.out[len(r.out)-1] == ',' {
		r.out = trimSpace(r.out[:len(r.out)-1])
	}
}

func (r *repairer) dropDanglingColon() {
	r.out = trimSpace(r.out)
	if len(r.out) > 0 && r.out[len(r.out)-1] == ':' {
		r.out = append(r.out, "null"...)
	}
}

func (r *repairer) lastSignificant() (byte, bool) {
	for i := len(r.out) - 1; i >= 0; i-- {
		switch r.out[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return r.out[i], true
		}
	}
	return 0, false
}

func trimSpace(buf []byte) []byte {
	for len(buf) > 0 {
		switch buf[len(buf)-1] {
		case ' ', '\t', '\n', '\r':
			buf = buf[:len(buf)-1]
		default:
			return buf
		}
	}
	return buf
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNumberPart(c byte) bool {
	return (c >= '0' && c <= '9') || c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '-'
}
