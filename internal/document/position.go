// Package document models the editor side of a completion: positions in the
// editor's column convention, the collaborator interface the inserter drives,
// and an in-memory buffer that implements it.
package document

import (
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Position is a 0-indexed line/column pair. Column is measured in the
// document's Unit.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Before reports whether p sorts strictly before o.
func (p Position) Before(o Position) bool {
	return p.Line < o.Line || (p.Line == o.Line && p.Column < o.Column)
}

// Range is a half-open span [Start, End).
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// IsEmpty reports whether the range covers no text.
func (r Range) IsEmpty() bool {
	return r.Start == r.End
}

func (r Range) String() string {
	return r.Start.String() + "-" + r.End.String()
}

// Unit is the unit columns are counted in.
type Unit int

const (
	// UTF16 counts UTF-16 code units, the VS Code / LSP default.
	UTF16 Unit = iota
	// Bytes counts UTF-8 bytes.
	Bytes
	// Runes counts Unicode code points.
	Runes
)

// ParseUnit maps a config value ("utf16", "bytes", "runes") to a Unit.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "utf16", "utf-16":
		return UTF16, nil
	case "bytes", "utf8", "utf-8":
		return Bytes, nil
	case "runes", "codepoints":
		return Runes, nil
	}
	return 0, fmt.Errorf("unknown column unit %q", s)
}

func (u Unit) String() string {
	switch u {
	case UTF16:
		return "utf16"
	case Bytes:
		return "bytes"
	case Runes:
		return "runes"
	}
	return fmt.Sprintf("Unit(%d)", int(u))
}

// Width returns the length of s in u.
func (u Unit) Width(s string) int {
	switch u {
	case Bytes:
		return len(s)
	case Runes:
		return utf8.RuneCountInString(s)
	default:
		n := 0
		for _, r := range s {
			n += utf16.RuneLen(r)
		}
		return n
	}
}

// Offset converts a column in u into a byte offset within line. Columns past
// the end clamp to len(line). A column that falls inside a surrogate pair
// rounds down to the start of that character.
func (u Unit) Offset(line string, column int) int {
	if column <= 0 {
		return 0
	}
	if u == Bytes {
		if column > len(line) {
			return len(line)
		}
		return column
	}
	n := 0
	for i, r := range line {
		w := 1
		if u == UTF16 {
			w = utf16.RuneLen(r)
		}
		if n+w > column {
			return i
		}
		n += w
	}
	return len(line)
}

// Advance returns the position reached after inserting text at start.
func Advance(start Position, text string, u Unit) Position {
	nl := strings.Count(text, "\n")
	if nl == 0 {
		return Position{Line: start.Line, Column: start.Column + u.Width(text)}
	}
	last := text[strings.LastIndexByte(text, '\n')+1:]
	return Position{Line: start.Line + nl, Column: u.Width(last)}
}
