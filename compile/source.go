package compile

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// LineMap indexes a source string so byte offsets resolve to 1-based
// line/column pairs and individual source lines can be rendered in error
// locations.
type LineMap struct {
	starts []int
	source string
}

// NewLineMap builds the line index for source.
func NewLineMap(source string) *LineMap {
	starts := []int{0}
	for i := 0; i < len(source); i++ {
		if source[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &LineMap{starts: starts, source: source}
}

// Len returns the number of lines.
func (m *LineMap) Len() int {
	return len(m.starts)
}

// Position resolves a byte offset to a 1-based line and column. Offsets
// past the end resolve to the last position.
func (m *LineMap) Position(offset int) (line, col int) {
	if offset < 0 {
		offset = 0
	}
	if offset > len(m.source) {
		offset = len(m.source)
	}
	idx := sort.Search(len(m.starts), func(i int) bool {
		return m.starts[i] > offset
	}) - 1
	return idx + 1, offset - m.starts[idx] + 1
}

// Line returns the text of a 1-based line without its newline, or ""
// when out of range.
func (m *LineMap) Line(line int) string {
	if line < 1 || line > len(m.starts) {
		return ""
	}
	start := m.starts[line-1]
	end := len(m.source)
	if line < len(m.starts) {
		end = m.starts[line] - 1
	}
	return strings.TrimRight(m.source[start:end], "\r")
}

// Interpreter errors carry positions in two shapes: runtime stack frames
// ("at handler.js:3:5(8)") and compiler diagnostics ("Line 3:7 ...").
var (
	framePositionRe  = regexp.MustCompile(regexp.QuoteMeta(programName) + `:(\d+):(\d+)`)
	syntaxPositionRe = regexp.MustCompile(`Line (\d+):(\d+)`)
)

// ErrorPosition extracts the first line/column pair from an interpreter
// error message.
func ErrorPosition(msg string) (line, col int, ok bool) {
	m := framePositionRe.FindStringSubmatch(msg)
	if m == nil {
		m = syntaxPositionRe.FindStringSubmatch(msg)
	}
	if m == nil {
		return 0, 0, false
	}
	line, _ = strconv.Atoi(m[1])
	col, _ = strconv.Atoi(m[2])
	return line, col, true
}
